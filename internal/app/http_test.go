package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *testEnv) {
	t.Helper()
	env := newTestService(t)
	srv := httptest.NewServer(NewHTTPServer(env.svc, "*").Handler())
	t.Cleanup(srv.Close)
	return srv, env
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	return sendJSON(t, http.MethodPost, url, body)
}

func sendJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Error("response missing X-Request-ID")
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/nope")
	if err != nil {
		t.Fatalf("GET unknown: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route returned %d", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode 404 body: %v", err)
	}
	if body.Code != "NOT_FOUND" {
		t.Errorf("404 code = %q", body.Code)
	}
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/drafts", map[string]any{
		"name":       "Line Check",
		"department": "Flight Operations",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create draft returned %d", resp.StatusCode)
	}
	var draft DraftView
	decodeJSON(t, resp, &draft)
	if draft.ID == "" {
		t.Fatal("created draft has no id")
	}

	resp = sendJSON(t, http.MethodPut, srv.URL+"/api/drafts/"+draft.ID+"/sections", map[string]any{
		"action":  "add",
		"section": trainerSection(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add section returned %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &draft)
	if len(draft.Schema) != 1 {
		t.Fatalf("schema has %d sections", len(draft.Schema))
	}

	resp, err := http.Get(srv.URL + "/api/drafts/" + draft.ID)
	if err != nil {
		t.Fatalf("GET draft: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get draft returned %d", resp.StatusCode)
	}
	var reloaded DraftView
	decodeJSON(t, resp, &reloaded)
	if len(reloaded.Schema) != 1 || reloaded.Schema[0].Label != "Trainer Assessment" {
		t.Errorf("reloaded draft schema wrong: %+v", reloaded.Schema)
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	// Missing name.
	resp := postJSON(t, srv.URL+"/api/drafts", map[string]any{"department": "Ops"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("draft without name returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown draft.
	resp, err := http.Get(srv.URL + "/api/drafts/draft_missing")
	if err != nil {
		t.Fatalf("GET draft: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown draft returned %d", resp.StatusCode)
	}
}

func TestEditorCallbackAck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/editor/callback", map[string]any{
		"type": "app-ready",
		"key":  "sess-unknown",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback returned %d", resp.StatusCode)
	}
	var ack struct {
		Error int `json:"error"`
	}
	decodeJSON(t, resp, &ack)
	if ack.Error != 0 {
		t.Errorf("ack error = %d, want 0", ack.Error)
	}
}
