package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
)

func TestServer_Healthz(t *testing.T) {
	e := NewRouter(Options{Logger: zerolog.Nop()})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestServer_Status(t *testing.T) {
	e := NewRouter(Options{
		Logger: zerolog.Nop(),
		Status: map[string]func() any{
			"brain": func() any { return map[string]any{"generation": 4} },
		},
	})
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var loose map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &loose); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	brain, ok := loose["brain"].(map[string]any)
	if !ok || brain["generation"] != float64(4) {
		t.Fatalf("unexpected status %s", w.Body.String())
	}
}

func TestServer_Metrics(t *testing.T) {
	e := NewRouter(Options{Logger: zerolog.Nop()})
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "assistant_interrupts_total") {
		t.Fatalf("expected assistant metrics in output")
	}
}

func TestServer_IPCDisabledWithoutPipe(t *testing.T) {
	e := NewRouter(Options{Logger: zerolog.Nop()})
	r := httptest.NewRequest(http.MethodGet, "/ipc", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestServer_IPCRequiresToken(t *testing.T) {
	e := NewRouter(Options{Logger: zerolog.Nop(), Pipe: ipc.NewPipe(4), Token: func() string { return "secret" }})
	r := httptest.NewRequest(http.MethodGet, "/ipc", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestServer_IPCBridgesRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	brainPipe := ipc.NewPipe(4)
	srv := httptest.NewServer(NewRouter(Options{
		Logger:      zerolog.Nop(),
		Pipe:        brainPipe,
		Token:       func() string { return "secret" },
		BaseContext: ctx,
	}))
	defer srv.Close()

	corePipe := ipc.NewPipe(4)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ipc"
	if _, err := ipc.DialBrain(ctx, url, "secret", corePipe, zerolog.Nop()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	req := ipc.NewTextRequest("pause music", ipc.RequestMeta{})
	if !corePipe.Requests.TrySend(req) {
		t.Fatalf("send failed")
	}
	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	got, err := brainPipe.Requests.Recv(rctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.ID != req.ID || got.Text != "pause music" {
		t.Fatalf("unexpected request %+v", got)
	}

	// a second Core is refused while the first is bridged
	if _, err := ipc.DialBrain(ctx, url, "secret", ipc.NewPipe(1), zerolog.Nop()); err == nil {
		t.Fatalf("expected second connection to be refused")
	}
}

func TestTokenOK(t *testing.T) {
	if !tokenOK(nil, "") {
		t.Fatalf("expected true when expected empty")
	}
	r := httptest.NewRequest(http.MethodGet, "/?token=secret", nil)
	if !tokenOK(r, "secret") {
		t.Fatalf("expected true with query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !tokenOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !tokenOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestTokenOK_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?token=wrong", nil)
	if tokenOK(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Authorization", "Bearer nope")
	if tokenOK(r2, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
	if tokenOK(nil, "secret") {
		t.Fatalf("expected false without a request")
	}
}
