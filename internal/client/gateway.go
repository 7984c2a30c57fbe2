package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Fallback strings shown in the transcript when the backend misbehaves.
// A reachable server with a malformed body reads differently to the user
// than a server that could not be reached at all.
const (
	FallbackUnprocessable = "I could not process that."
	FallbackNetwork       = "Network error."
)

// DefaultBaseURL is where the backend listens when nothing is configured.
const DefaultBaseURL = "http://127.0.0.1:8000"

// Gateway is the HTTP client for the chat backend.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// ChatResult is the outcome of one chat exchange, already folded to a
// displayable reply. Emergency mirrors the server's recommendation.
type ChatResult struct {
	Reply     string
	Emergency bool
}

// Account identifies a logged-in user.
type Account struct {
	ID        int64  `json:"id"`
	Phone     string `json:"phone"`
	AuthToken string `json:"auth_token"`
}

// NewGateway builds a gateway for the given base URL. An empty base URL
// falls back to HEALTHCHAT_BASE_URL, then to DefaultBaseURL.
func NewGateway(baseURL string) *Gateway {
	if baseURL == "" {
		baseURL = os.Getenv("HEALTHCHAT_BASE_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetAuthToken attaches a bearer token to subsequent requests.
func (g *Gateway) SetAuthToken(token string) {
	g.authToken = token
}

// BaseURL reports the resolved backend address.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Chat sends the message and always returns something displayable:
// the server reply, FallbackUnprocessable when the response carries no
// reply field, or FallbackNetwork when the request fails outright.
func (g *Gateway) Chat(ctx context.Context, message string, sessionID int64) ChatResult {
	payload := map[string]interface{}{"message": message}
	if sessionID > 0 {
		payload["session_id"] = sessionID
	}
	body, status, err := g.postJSON(ctx, "/chat", payload)
	if err != nil || status < 200 || status > 299 {
		return ChatResult{Reply: FallbackNetwork}
	}
	var resp struct {
		Reply     *string `json:"reply"`
		Emergency bool    `json:"emergency_recommended"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Reply == nil {
		return ChatResult{Reply: FallbackUnprocessable}
	}
	return ChatResult{Reply: *resp.Reply, Emergency: resp.Emergency}
}

// SOS fires an emergency alert. It is independent of any chat request in
// flight. The returned string is the server acknowledgement or a fallback.
func (g *Gateway) SOS(ctx context.Context, timestamp string) (string, bool) {
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, status, err := g.postJSON(ctx, "/sos", map[string]interface{}{
		"emergency": true,
		"timestamp": timestamp,
	})
	if err != nil || status < 200 || status > 299 {
		return FallbackNetwork, false
	}
	var resp struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Status == nil {
		return FallbackUnprocessable, false
	}
	return *resp.Status, true
}

// RequestCode asks the backend to issue a login code for the phone.
func (g *Gateway) RequestCode(ctx context.Context, phone string) error {
	body, status, err := g.postJSON(ctx, "/auth/request-code", map[string]string{"phone": phone})
	if err != nil {
		return fmt.Errorf("request code: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("request code: %s", serverError(body, status))
	}
	return nil
}

// VerifyCode exchanges the one-time code for an account token.
func (g *Gateway) VerifyCode(ctx context.Context, phone, code string) (*Account, error) {
	body, status, err := g.postJSON(ctx, "/auth/verify", map[string]string{
		"phone": phone,
		"code":  code,
	})
	if err != nil {
		return nil, fmt.Errorf("verify code: %w", err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("verify code: %s", serverError(body, status))
	}
	var account Account
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("verify code: decode response: %w", err)
	}
	if account.AuthToken == "" {
		return nil, fmt.Errorf("verify code: no token in response")
	}
	g.SetAuthToken(account.AuthToken)
	return &account, nil
}

// StartSession creates a server-side session for transcript persistence.
func (g *Gateway) StartSession(ctx context.Context, userID int64, title string) (int64, error) {
	body, status, err := g.postJSON(ctx,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]string{"title": title})
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	if status < 200 || status > 299 {
		return 0, fmt.Errorf("start session: %s", serverError(body, status))
	}
	var resp struct {
		SessionID int64 `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.SessionID <= 0 {
		return 0, fmt.Errorf("start session: bad response")
	}
	return resp.SessionID, nil
}

func (g *Gateway) postJSON(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, &buf)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return nil, resp.StatusCode, err
	}
	return body.Bytes(), resp.StatusCode, nil
}

func serverError(body []byte, status int) string {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return fmt.Sprintf("server returned %d", status)
}
