package editor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestExportSignsAndPosts(t *testing.T) {
	tokens := NewTokenIssuer("command-secret", time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/command" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			C     string `json:"c"`
			Key   string `json:"key"`
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode command: %v", err)
		}
		if body.C != "forcesave" {
			t.Errorf("command = %q, want forcesave", body.C)
		}
		if body.Key != "sess-1" {
			t.Errorf("key = %q", body.Key)
		}
		cfg, err := tokens.VerifyCallback(body.Token)
		if err != nil {
			t.Errorf("command token does not verify: %v", err)
		} else if cfg.SessionKey != "sess-1" {
			t.Errorf("token session key = %q", cfg.SessionKey)
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"error": 0})
	}))
	defer srv.Close()

	c := NewCommandClient(srv.URL, tokens)
	if err := c.RequestExport(context.Background(), "sess-1"); err != nil {
		t.Fatalf("RequestExport failed: %v", err)
	}
}

func TestRequestExportRejectedAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"error": 1})
	}))
	defer srv.Close()

	c := NewCommandClient(srv.URL, NewTokenIssuer("command-secret", time.Hour))
	if err := c.RequestExport(context.Background(), "sess-1"); err == nil {
		t.Fatal("non-zero ack not surfaced")
	}
}
