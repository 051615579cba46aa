package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CommandClient talks to the external editor's command endpoint. Commands are
// signed with the shared editor secret the same way session configs are.
type CommandClient struct {
	baseURL string
	tokens  *TokenIssuer
	http    *http.Client
}

func NewCommandClient(baseURL string, tokens *TokenIssuer) *CommandClient {
	return &CommandClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// RequestExport asks the editor to save the document for the session and
// export it. The editor answers asynchronously through the callback channel.
func (c *CommandClient) RequestExport(ctx context.Context, sessionKey string) error {
	token, err := c.tokens.Sign(SessionConfig{SessionKey: sessionKey})
	if err != nil {
		return fmt.Errorf("sign command token: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"c":     "forcesave",
		"key":   sessionKey,
		"token": token,
	})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call editor command service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("editor command service returned %d", resp.StatusCode)
	}

	var ack struct {
		Error int `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode command response: %w", err)
	}
	if ack.Error != 0 {
		return fmt.Errorf("editor command rejected with code %d", ack.Error)
	}
	return nil
}
