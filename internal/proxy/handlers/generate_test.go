package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/relaypool/gemini-relay/internal/auth/token"
	"github.com/relaypool/gemini-relay/internal/config"
	"github.com/relaypool/gemini-relay/internal/db"
	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/gateway"
	"github.com/relaypool/gemini-relay/internal/upstream"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
}

func newHandlerStore(t *testing.T) *db.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Account{}, &models.APIKey{}, &models.RequestLog{}, &models.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.NewStore(gdb, "test-passphrase", 2000)
}

func newHandlerEngine(t *testing.T, store *db.Store, rt roundTripperFunc) *gateway.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.MaxAttempts = 1
	cfg.InterIdentityStagger = 0
	cfg.CodeAssistEndpoints = []string{"https://upstream.test/v1internal"}

	client := upstream.NewClient(cfg.CodeAssistEndpoints, time.Second, time.Second)
	httpClient := &http.Client{Transport: rt}
	client.SetHTTPClients(httpClient, httpClient)

	mgr := token.NewManager(store, noopRefresher{}, 5*time.Second, 5*time.Minute)
	return gateway.NewEngine(cfg, store, mgr, client)
}

func seedHandlerAccount(t *testing.T, store *db.Store, email string) {
	t.Helper()
	err := store.UpsertAccount(&models.Account{
		Email:        email,
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresAt:    time.Now().Add(time.Hour),
		ProjectID:    "proj",
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
}

func newGenerateRouter(engine *gateway.Engine) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1beta/models/{model}:generateContent", GenerateHandler(engine, 1<<20))
	r.Post("/v1beta/models/{model}:streamGenerateContent", StreamGenerateHandler(engine, 1<<20))
	r.Post("/api/chat/stream", AdminChatHandler(engine, 1<<20))
	return r
}

func upstreamOK(status int, body string) roundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

const unaryOKBody = `{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]}}],"usageMetadata":{"totalTokenCount":5}}}`

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGenerateHandlerValidation(t *testing.T) {
	store := newHandlerStore(t)
	seedHandlerAccount(t, store, "a@x.com")
	router := newGenerateRouter(newHandlerEngine(t, store, func(r *http.Request) (*http.Response, error) {
		t.Fatal("invalid requests must not reach the upstream")
		return nil, nil
	}))

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing contents", `{"generationConfig":{}}`},
		{"contents not array", `{"contents":"hello"}`},
		{"contents empty", `{"contents":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, router, "/v1beta/models/gemini-3-flash:generateContent", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestGenerateHandlerSuccess(t *testing.T) {
	store := newHandlerStore(t)
	seedHandlerAccount(t, store, "a@x.com")
	router := newGenerateRouter(newHandlerEngine(t, store, upstreamOK(200, unaryOKBody)))

	w := postJSON(t, router, "/v1beta/models/gemini-3-flash:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if !strings.Contains(out, `"candidates"`) {
		t.Errorf("body should carry candidates: %s", out)
	}
	if strings.Contains(out, `"response"`) {
		t.Errorf("body should be unwrapped: %s", out)
	}
}

func TestGenerateHandlerExhausted(t *testing.T) {
	store := newHandlerStore(t) // empty pool
	router := newGenerateRouter(newHandlerEngine(t, store, nil))

	w := postJSON(t, router, "/v1beta/models/gemini-3-flash:generateContent",
		`{"contents":[{"parts":[{"text":"hi"}]}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "All Gemini accounts exhausted or failed.") {
		t.Errorf("503 body = %q", w.Body.String())
	}
}

func TestStreamGenerateHandlerEmitsSSE(t *testing.T) {
	store := newHandlerStore(t)
	seedHandlerAccount(t, store, "a@x.com")

	frames := "data: " + unaryOKBody + "\n\ndata: [DONE]\n\n"
	router := newGenerateRouter(newHandlerEngine(t, store, upstreamOK(200, frames)))

	w := postJSON(t, router, "/v1beta/models/gemini-3-flash:streamGenerateContent",
		`{"contents":[{"parts":[{"text":"hi"}]}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	out := w.Body.String()
	if strings.Contains(out, `"response"`) {
		t.Errorf("public stream frames should be unwrapped: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream should close with [DONE]: %q", out)
	}
}

func TestAdminChatStreamsVerbatim(t *testing.T) {
	store := newHandlerStore(t)
	seedHandlerAccount(t, store, "a@x.com")

	frames := "data: " + unaryOKBody + "\n\ndata: [DONE]\n\n"
	router := newGenerateRouter(newHandlerEngine(t, store, upstreamOK(200, frames)))

	w := postJSON(t, router, "/api/chat/stream?model=gemini-3-pro",
		`{"contents":[{"parts":[{"text":"hi"}]}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	// Admin chat keeps the upstream envelope.
	if !strings.Contains(w.Body.String(), `"response"`) {
		t.Errorf("admin frames should pass through verbatim: %s", w.Body.String())
	}
}
