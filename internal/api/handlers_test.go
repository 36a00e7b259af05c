package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"redditchat/internal/billing"
	"redditchat/internal/community"
	"redditchat/internal/config"
	"redditchat/internal/conversation"
	"redditchat/internal/models"
	"redditchat/internal/quota"
	"redditchat/internal/service/ai"
	"redditchat/internal/service/chat"
	"redditchat/internal/storage"
)

func TestChatNewConversationStreams(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{
		"message":   "What's trending?",
		"subreddit": "test",
	})
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseSSE(t, resp.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected id, content and done events, got %#v", events)
	}
	var first struct {
		ConversationID string `json:"conversationId"`
	}
	decodeJSON(t, []byte(events[0]), &first)
	if first.ConversationID == "" {
		t.Fatalf("first event must carry the conversation id: %s", events[0])
	}
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("last event must be the done sentinel, got %s", events[len(events)-1])
	}

	content := joinContent(t, events[1:len(events)-1])
	if !strings.Contains(content, "[system]") || !strings.Contains(content, "r/test") {
		t.Fatalf("system context naming the community missing from provider input: %q", content)
	}
	if strings.Index(content, "[system]") > strings.Index(content, "[user] What's trending?") {
		t.Fatalf("system message must precede the user message: %q", content)
	}
	if !strings.Contains(content, "Reddit post 0") {
		t.Fatalf("live posts missing from context: %q", content)
	}
}

func TestChatResumeConversation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{
		"message":   "first",
		"subreddit": "test",
		"userId":    "u1",
	})
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	var first struct {
		ConversationID string `json:"conversationId"`
	}
	decodeJSON(t, []byte(events[0]), &first)
	firstLen := srv.provider.lastLen()

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{
		"message":        "second",
		"conversationId": first.ConversationID,
		"userId":         "u1",
	})
	assertStatus(t, resp, http.StatusOK)
	events = parseSSE(t, resp.Body.String())
	var second struct {
		ConversationID string `json:"conversationId"`
	}
	decodeJSON(t, []byte(events[0]), &second)
	if second.ConversationID != first.ConversationID {
		t.Fatalf("conversation id changed: %s -> %s", first.ConversationID, second.ConversationID)
	}
	if got := srv.provider.lastLen(); got != firstLen+2 {
		t.Fatalf("expected %d messages on the second turn, got %d", firstLen+2, got)
	}
}

func TestChatQuotaExceeded(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	ctx := context.Background()
	for i := 0; i < quota.DefaultDailyLimit; i++ {
		if _, err := srv.quota.Increment(ctx, "heavy"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{
		"message": "one more",
		"userId":  "heavy",
	})
	assertStatus(t, resp, http.StatusTooManyRequests)
	if strings.HasPrefix(resp.Header().Get("Content-Type"), "text/event-stream") {
		t.Fatalf("event stream must not be opened")
	}
	var body struct {
		Error string `json:"error"`
		Limit int    `json:"limit"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Limit != quota.DefaultDailyLimit || body.Error == "" {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if srv.store.Len() != 0 {
		t.Fatalf("no conversation should be created")
	}
	if srv.provider.calls() != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestChatRedditTimeoutUsesPlaceholder(t *testing.T) {
	srv := newTestServer(t, serverOptions{redditHangs: true})

	start := time.Now()
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{
		"message":   "anything new?",
		"subreddit": "https://www.reddit.com/r/test/",
	})
	assertStatus(t, resp, http.StatusOK)
	if time.Since(start) > 5*time.Second {
		t.Fatalf("reddit timeout was not enforced")
	}
	events := parseSSE(t, resp.Body.String())
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream should complete, got %#v", events)
	}
	content := joinContent(t, events[1:len(events)-1])
	if !strings.Contains(content, community.PlaceholderNotice) {
		t.Fatalf("placeholder marker missing: %q", content)
	}
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	cases := []struct {
		name string
		body interface{}
		want int
	}{
		{"empty message", map[string]string{"message": "  "}, http.StatusBadRequest},
		{"unresolvable community", map[string]string{"message": "hi", "subreddit": "r/"}, http.StatusBadRequest},
		{"malformed body", "not-json", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", tc.body)
			assertStatus(t, resp, tc.want)
			var body struct {
				Error string `json:"error"`
			}
			decodeJSON(t, resp.Body.Bytes(), &body)
			if body.Error == "" {
				t.Fatalf("expected error message")
			}
		})
	}

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat", nil)
	assertStatus(t, resp, http.StatusMethodNotAllowed)
}

func TestChatWithoutProvider(t *testing.T) {
	srv := newTestServer(t, serverOptions{noProvider: true})
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hi", "userId": "u1"})
	assertStatus(t, resp, http.StatusInternalServerError)

	rec, err := srv.quota.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if rec.Count != 0 {
		t.Fatalf("quota must not be charged without a provider")
	}
}

func TestChatProviderErrorMidStream(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	srv.provider.failWith(errors.New("mock failure"))

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hello"})
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if !strings.Contains(last, `"error"`) || !strings.Contains(last, "mock failure") {
		t.Fatalf("expected terminal error event, got %#v", events)
	}
	for _, e := range events {
		if e == "[DONE]" {
			t.Fatalf("done sentinel must not follow an error")
		}
	}
}

func TestTypingDelaySplitsFragments(t *testing.T) {
	srv := newTestServer(t, serverOptions{typingDelay: time.Millisecond})

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hé"})
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	for _, e := range events[1 : len(events)-1] {
		var ev struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(e), &ev)
		if len([]rune(ev.Content)) != 1 {
			t.Fatalf("expected one rune per event, got %q", ev.Content)
		}
	}
	if !strings.Contains(joinContent(t, events[1:len(events)-1]), "[user] hé") {
		t.Fatalf("fragments do not reassemble")
	}
}

func TestDeliverStopsWhenClientLeaves(t *testing.T) {
	h := NewHandler(nil, nil, nil, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sent := 0
	done := make(chan error, 1)
	go func() {
		done <- h.deliver(ctx, "abc", func(string) error {
			sent++
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("deliver did not observe cancellation")
	}
	if sent != 1 {
		t.Fatalf("expected one rune before cancellation, got %d", sent)
	}
}

func TestMessageCount(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	for i := 0; i < 3; i++ {
		resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hi", "userId": "counter"})
		assertStatus(t, resp, http.StatusOK)
	}

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/user/message-count?userId=counter", nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Count     int    `json:"count"`
		Limit     int    `json:"limit"`
		Remaining int    `json:"remaining"`
		Premium   bool   `json:"premium"`
		Date      string `json:"date"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Count != 3 || body.Limit != 10 || body.Remaining != 7 || body.Premium || body.Date != testDay {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/user/message-count", nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestPaymentFlowGrantsPremium(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	ctx := context.Background()
	for i := 0; i < quota.DefaultDailyLimit; i++ {
		if _, err := srv.quota.Increment(ctx, "buyer"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/payment/products", nil)
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/payment/create-order", map[string]string{
		"productId": "premium_monthly",
		"userId":    "buyer",
	})
	assertStatus(t, resp, http.StatusOK)
	var created struct {
		Success          bool    `json:"success"`
		OrderID          string  `json:"orderId"`
		Amount           float64 `json:"amount"`
		StaticQrcodePath string  `json:"staticQrcodePath"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)
	if !created.Success || !strings.HasPrefix(created.OrderID, "ORDER_") || created.Amount != 19.9 || created.StaticQrcodePath != billing.StaticQRCodePath {
		t.Fatalf("unexpected create response %s", resp.Body.String())
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/payment/query-order?orderId="+created.OrderID, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"tradeState":"NOTPAY"`) {
		t.Fatalf("unexpected query response %s", resp.Body.String())
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/payment/notify", map[string]string{"orderId": created.OrderID})
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"code":"SUCCESS"`) {
		t.Fatalf("unexpected notify response %s", resp.Body.String())
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/payment/query-order?orderId="+created.OrderID, nil)
	if !strings.Contains(resp.Body.String(), `"tradeState":"SUCCESS"`) {
		t.Fatalf("order should be paid: %s", resp.Body.String())
	}

	// the buyer was over the limit and can chat again
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hi", "userId": "buyer"})
	assertStatus(t, resp, http.StatusOK)
}

func TestPaymentValidation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/payment/create-order", map[string]string{"userId": "u"})
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/payment/create-order", map[string]string{"productId": "gold"})
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/payment/query-order", nil)
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/payment/query-order?orderId=ORDER_missing", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/payment/notify", map[string]string{"orderId": "ORDER_missing"})
	assertStatus(t, resp, http.StatusNotFound)
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/payment/create-order", nil)
	assertStatus(t, resp, http.StatusMethodNotAllowed)
}

const testDay = "Mon Mar 02 2026"

// echoProvider replies with the transcript it was given, one fragment per message.
type echoProvider struct {
	mu       sync.Mutex
	received [][]models.Message
	err      error
}

func (p *echoProvider) StreamChat(ctx context.Context, history []models.Message, cb func(string) error) (*models.Message, error) {
	p.mu.Lock()
	p.received = append(p.received, history)
	failure := p.err
	p.mu.Unlock()

	var full strings.Builder
	for _, m := range history {
		fragment := fmt.Sprintf("[%s] %s\n", m.Role, m.Content)
		full.WriteString(fragment)
		if err := cb(fragment); err != nil {
			return nil, err
		}
	}
	if failure != nil {
		return nil, failure
	}
	msg := models.NewMessage(models.RoleAssistant, full.String())
	return &msg, nil
}

func (p *echoProvider) failWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *echoProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func (p *echoProvider) lastLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received[len(p.received)-1])
}

type serverOptions struct {
	redditHangs bool
	noProvider  bool
	typingDelay time.Duration
}

type testServer struct {
	router   *gin.Engine
	provider *echoProvider
	store    *conversation.MemoryStore
	quota    *quota.Service
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	release := make(chan struct{})
	reddit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.redditHangs {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		children := make([]map[string]any, 0, 3)
		for i := 0; i < 3; i++ {
			children = append(children, map[string]any{"kind": "t3", "data": map[string]any{
				"id": fmt.Sprintf("p%d", i), "title": fmt.Sprintf("Reddit post %d", i), "author": "someone", "score": 5,
			}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"children": children}})
	}))
	t.Cleanup(func() {
		close(release)
		reddit.Close()
	})

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{
		"sqlite3": {DSN: filepath.Join(t.TempDir(), "api.db")},
	}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	quotaSvc := quota.NewService(quota.NewSQLStore(db, "sqlite3"), quota.DefaultDailyLimit, func() string { return testDay })
	store := conversation.NewMemoryStore(time.Hour, 100)
	fetcher := community.NewFetcher(community.Options{
		BaseURL:           reddit.URL,
		Timeout:           100 * time.Millisecond,
		RequestsPerMinute: 6000,
	})
	provider := &echoProvider{}
	var chatProvider ai.Provider = provider
	if opts.noProvider {
		chatProvider = nil
	}
	chatSvc := chat.NewService(chatProvider, quotaSvc, store, fetcher, nil)
	billingSvc := billing.NewService(db, quotaSvc, 30*time.Minute, nil)

	router := gin.New()
	NewHandler(chatSvc, quotaSvc, billingSvc, opts.typingDelay, nil).RegisterRoutes(router)
	return &testServer{router: router, provider: provider, store: store, quota: quotaSvc}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json %q: %v", data, err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

// parseSSE returns the data payload of every event.
func parseSSE(t *testing.T, payload string) []string {
	t.Helper()
	var events []string
	for _, chunk := range strings.Split(payload, "\n\n") {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if !strings.HasPrefix(chunk, "data: ") {
			t.Fatalf("malformed event %q", chunk)
		}
		events = append(events, strings.TrimPrefix(chunk, "data: "))
	}
	if len(events) == 0 {
		t.Fatalf("no events in %q", payload)
	}
	return events
}

func joinContent(t *testing.T, events []string) string {
	t.Helper()
	var b strings.Builder
	for _, e := range events {
		var ev struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(e), &ev)
		b.WriteString(ev.Content)
	}
	return b.String()
}
