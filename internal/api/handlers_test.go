package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"healthchat/internal/auth"
	"healthchat/internal/config"
	"healthchat/internal/models"
	"healthchat/internal/service/assistant"
	"healthchat/internal/storage"
	"healthchat/internal/worker"
)

type mockResponder struct {
	mu      sync.Mutex
	err     error
	lastCtx []string
}

func (m *mockResponder) Reply(ctx context.Context, history []*models.Message, userMessage string, contextBlocks []string) (string, error) {
	m.mu.Lock()
	m.lastCtx = contextBlocks
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Mock reply to %q", userMessage), nil
}

type mockRetriever struct{}

func (mockRetriever) Search(query string, k int) []string {
	return []string{"General hydration and rest advice."}
}

type mockAlerts struct {
	mu   sync.Mutex
	jobs []worker.Job
	err  error
}

func (m *mockAlerts) Enqueue(job worker.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockAlerts) CancelUser(int64) {}

func (m *mockAlerts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// a second pool connection would get its own empty in-memory database
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	asst := assistant.NewService(db)
	authSvc := auth.NewService(db, nil, time.Hour)
	handler := NewHandler(asst, authSvc, &mockResponder{}, mockRetriever{}, &mockAlerts{})

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func loginTestUser(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	phone := fmt.Sprintf("+1555%07d", time.Now().UnixNano()%10000000)

	codeResp := doJSONRequest(t, router, http.MethodPost, "/auth/request-code",
		map[string]string{"phone": phone}, nil)
	assertStatus(t, codeResp, http.StatusOK)
	var codeBody struct {
		Code string `json:"code"`
	}
	decodeJSON(t, codeResp.Body.Bytes(), &codeBody)
	if codeBody.Code == "" {
		t.Fatalf("expected debug code in test mode response")
	}

	verifyResp := doJSONRequest(t, router, http.MethodPost, "/auth/verify",
		map[string]string{"phone": phone, "code": codeBody.Code}, nil)
	assertStatus(t, verifyResp, http.StatusOK)
	var verifyBody struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, verifyResp.Body.Bytes(), &verifyBody)
	if verifyBody.ID <= 0 || verifyBody.AuthToken == "" {
		t.Fatalf("expected user id and auth token, got %s", verifyResp.Body.String())
	}
	return verifyBody.ID, map[string]string{"Authorization": "Bearer " + verifyBody.AuthToken}
}

func TestHealth(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/health", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body: %s", resp.Body.String())
	}
}

func TestChatAnonymous(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/chat",
		map[string]string{"message": "I have a mild headache"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Reply     string `json:"reply"`
		Emergency bool   `json:"emergency_recommended"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !strings.Contains(body.Reply, "mild headache") {
		t.Fatalf("unexpected reply: %q", body.Reply)
	}
	if body.Emergency {
		t.Fatalf("headache should not be flagged as emergency")
	}
}

func TestChatEmergencyKeyword(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/chat",
		map[string]string{"message": "sudden chest pain and sweating"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Reply     string `json:"reply"`
		Emergency bool   `json:"emergency_recommended"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !body.Emergency {
		t.Fatalf("chest pain should set emergency_recommended")
	}
	if !strings.Contains(body.Reply, "emergency") {
		t.Fatalf("reply missing emergency notice: %q", body.Reply)
	}
}

func TestChatModelFailureFallsBack(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	mr := handler.responder.(*mockResponder)
	mr.err = errors.New("model unavailable")

	resp := doJSONRequest(t, router, http.MethodPost, "/chat",
		map[string]string{"message": "what helps with a cough"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Reply string `json:"reply"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Reply != generationFallback {
		t.Fatalf("expected fallback reply, got %q", body.Reply)
	}
}

func TestChatEmptyMessage(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/chat",
		map[string]string{"message": "   "}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestSOSAcknowledgesTimestamp(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	ts := "2026-08-25T10:30:00Z"
	resp := doJSONRequest(t, router, http.MethodPost, "/sos",
		map[string]interface{}{"emergency": true, "timestamp": ts}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != "SOS request received at "+ts {
		t.Fatalf("unexpected sos status: %q", body.Status)
	}
	if handler.alerts.(*mockAlerts).count() != 1 {
		t.Fatalf("expected one queued alert")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sos_events`).Scan(&count); err != nil {
		t.Fatalf("count sos events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded sos event, got %d", count)
	}
}

func TestSOSDispatcherBusy(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	handler.alerts.(*mockAlerts).err = worker.ErrDispatcherBusy
	resp := doJSONRequest(t, router, http.MethodPost, "/sos",
		map[string]interface{}{"emergency": true}, nil)
	assertStatus(t, resp, http.StatusTooManyRequests)
}

func TestRequestCodeRejectsShortPhone(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/auth/request-code",
		map[string]string{"phone": "12345"}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestVerifyWrongCode(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	phone := "+15551234567"
	codeResp := doJSONRequest(t, router, http.MethodPost, "/auth/request-code",
		map[string]string{"phone": phone}, nil)
	assertStatus(t, codeResp, http.StatusOK)

	resp := doJSONRequest(t, router, http.MethodPost, "/auth/verify",
		map[string]string{"phone": phone, "code": "000000"}, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong code, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestConversationFlow(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := loginTestUser(t, router)

	startResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]string{"title": "Morning symptoms"}, authHeader)
	assertStatus(t, startResp, http.StatusCreated)
	var startBody struct {
		SessionID int64 `json:"sessionId"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &startBody)
	if startBody.SessionID <= 0 {
		t.Fatalf("expected positive session id")
	}

	msgResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]interface{}{"session_id": startBody.SessionID, "content": "I feel dizzy after standing up"},
		authHeader)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		UserMessage struct {
			Content string `json:"content"`
		} `json:"user_message"`
		BotMessage struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"bot_message"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if msgBody.BotMessage.Role != string(models.RoleBot) || msgBody.BotMessage.Content == "" {
		t.Fatalf("unexpected bot message: %+v", msgBody.BotMessage)
	}

	listResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/session-list", userID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		SessionList []models.Session `json:"session_list"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.SessionList) != 1 {
		t.Fatalf("expected 1 session, got %d", len(listBody.SessionList))
	}

	histResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/conversation/sessions/%d/messages", userID, startBody.SessionID),
		nil, authHeader)
	assertStatus(t, histResp, http.StatusOK)
	var histBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, histResp.Body.Bytes(), &histBody)
	if len(histBody.Messages) != 2 {
		t.Fatalf("expected 2 messages in transcript, got %d", len(histBody.Messages))
	}
	if histBody.Messages[0].Role != models.RoleUser || histBody.Messages[1].Role != models.RoleBot {
		t.Fatalf("transcript order broken: %+v", histBody.Messages)
	}

	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d/conversation/sessions/%d", userID, startBody.SessionID),
		nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)

	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/logout", userID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	afterResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/session-list", userID), nil, authHeader)
	assertStatus(t, afterResp, http.StatusUnauthorized)
}

func TestRequirePathUserMismatch(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := loginTestUser(t, router)
	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/session-list", userID+1), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestChatPersistsAuthenticatedSession(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := loginTestUser(t, router)
	startResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]string{"title": "Quick question"}, authHeader)
	assertStatus(t, startResp, http.StatusCreated)
	var startBody struct {
		SessionID int64 `json:"sessionId"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &startBody)

	resp := doJSONRequest(t, router, http.MethodPost, "/chat",
		map[string]interface{}{"message": "can I take ibuprofen with food", "session_id": startBody.SessionID},
		authHeader)
	assertStatus(t, resp, http.StatusOK)

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, startBody.SessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected chat to persist 2 messages, got %d", count)
	}
}
