package editor

import (
	"testing"
	"time"
)

func TestSignAndVerifyCallbackToken(t *testing.T) {
	issuer := NewTokenIssuer("editor-secret", time.Hour)
	cfg := SessionConfig{
		DocumentURL: "https://storage.example.com/doc.docx",
		CallbackURL: "https://api.example.com/api/editor/callback?key=sess-1",
		SessionKey:  "sess-1",
	}

	token, err := issuer.Sign(cfg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	got, err := issuer.VerifyCallback(token)
	if err != nil {
		t.Fatalf("VerifyCallback failed: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestVerifyCallbackRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("editor-secret", time.Hour)
	other := NewTokenIssuer("different-secret", time.Hour)

	token, err := other.Sign(SessionConfig{SessionKey: "sess-1"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if _, err := issuer.VerifyCallback(token); err != ErrInvalidCallbackToken {
		t.Errorf("expected ErrInvalidCallbackToken, got %v", err)
	}
}

func TestVerifyCallbackRejectsGarbage(t *testing.T) {
	issuer := NewTokenIssuer("editor-secret", time.Hour)
	if _, err := issuer.VerifyCallback("not.a.token"); err != ErrInvalidCallbackToken {
		t.Errorf("expected ErrInvalidCallbackToken, got %v", err)
	}
}
