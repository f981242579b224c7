package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
)

func TestSlack_PostsTransition(t *testing.T) {
	var got slackPayload
	var ctype string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := NewSlack(ts.URL)
	if s == nil {
		t.Fatal("expected slack client")
	}
	title, text := Message(domain.Transition{
		TargetID: "192.168.1.1", Label: "Gateway",
		From: domain.StatusUp, To: domain.StatusDown,
		At: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Generation: 9,
	})
	if err := s.Send(context.Background(), title, text); err != nil {
		t.Fatalf("send err: %v", err)
	}
	if ctype != "application/json" {
		t.Fatalf("content type %q", ctype)
	}
	if !strings.HasPrefix(got.Text, "*🔴 Gateway DOWN*\n") || !strings.Contains(got.Text, "Round: 9") {
		t.Fatalf("payload not as expected: %q", got.Text)
	}
}

func TestSlack_Non2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	err := NewSlack(ts.URL).Send(context.Background(), "X", "Y")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected non-2xx error, got %v", err)
	}
}

func TestSlack_DisabledWithoutWebhook(t *testing.T) {
	s := NewSlack("")
	if s != nil {
		t.Fatalf("expected nil client for empty webhook")
	}
	if err := s.Send(context.Background(), "X", "Y"); err == nil {
		t.Fatalf("expected error from disabled client")
	}
}

func TestSlack_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := NewSlack(ts.URL).Send(ctx, "X", "Y"); err == nil {
		t.Fatalf("expected error when context expires")
	}
}
