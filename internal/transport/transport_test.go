package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kalambet/printdesk/internal/orchestrator"
)

func TestWebhookSend(t *testing.T) {
	var got outbound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "tok").Send(context.Background(), "5491100", "hola"); err != nil {
		t.Fatal(err)
	}
	if got.UserID != "5491100" || got.Text != "hola" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "")
	wh.backoff = time.Millisecond
	if err := wh.Send(context.Background(), "u", "x"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad number", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "").Send(context.Background(), "u", "x")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

type recordingInbound struct {
	mu  sync.Mutex
	got []orchestrator.Inbound
}

func (r *recordingInbound) HandleInbound(_ context.Context, in orchestrator.Inbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in)
	return nil
}

func (r *recordingInbound) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRoundTrip(t *testing.T) {
	in := &recordingInbound{}
	hub := NewHub(in)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/?user=web-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return hub.Connected("web-1") })

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","text":"quiero tarjetas","display_name":"Ana"}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("texto plano")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return in.count() == 2 })

	in.mu.Lock()
	first, second := in.got[0], in.got[1]
	in.mu.Unlock()
	if first.UserID != "web-1" || first.Text != "quiero tarjetas" || first.DisplayName != "Ana" {
		t.Errorf("first = %+v", first)
	}
	if second.Text != "texto plano" {
		t.Errorf("second = %+v", second)
	}

	if err := hub.Send(ctx, "web-1", "¡Hola!"); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var reply wsMessage
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "reply" || reply.Text != "¡Hola!" {
		t.Errorf("reply = %+v", reply)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return !hub.Connected("web-1") })
}

func TestHubRequiresUser(t *testing.T) {
	srv := httptest.NewServer(NewHub(&recordingInbound{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, userID, text string) error {
	f.sent = append(f.sent, userID+":"+text)
	return f.err
}

func TestRouterFallsBackToWebhook(t *testing.T) {
	wh := &fakeSender{}
	r := NewRouter(NewHub(&recordingInbound{}), wh)

	if err := r.Send(context.Background(), "549", "hola"); err != nil {
		t.Fatal(err)
	}
	if len(wh.sent) != 1 || wh.sent[0] != "549:hola" {
		t.Errorf("sent = %v", wh.sent)
	}

	wh.err = errors.New("gateway down")
	if err := r.Send(context.Background(), "549", "x"); err == nil {
		t.Error("expected webhook error")
	}
}

func TestRouterWithoutTransports(t *testing.T) {
	if err := NewRouter(nil, nil).Send(context.Background(), "u", "x"); err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestHubSendNotConnected(t *testing.T) {
	err := NewHub(&recordingInbound{}).Send(context.Background(), "ghost", "x")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v", err)
	}
}
