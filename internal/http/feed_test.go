package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"gameforge/platform/internal/events"
	"gameforge/platform/internal/logging"
)

func dialFeed(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	return conn
}

func TestFeedStreamsEvents(t *testing.T) {
	stream := events.NewStream(events.Config{})
	feed := NewFeed(stream, "topsecret", nil, logging.NewTestLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/events", feed.Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialFeed(t, srv, "?token=topsecret&subscriber=ops-1")
	defer conn.Close()

	if _, err := stream.Publish(events.Event{Kind: events.KindLogin, Identity: "alice"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindLogin || ev.Identity != "alice" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Ack the sequence so a resubscribe does not replay it.
	if err := conn.WriteJSON(ackFrame{Ack: ev.Sequence}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
}

func TestFeedRejectsBadToken(t *testing.T) {
	stream := events.NewStream(events.Config{})
	feed := NewFeed(stream, "topsecret", nil, logging.NewTestLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/events", feed.Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := strings.Replace(srv.URL, "http", "ws", 1) + "/events?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}

func TestFeedAdmissionLimit(t *testing.T) {
	stream := events.NewStream(events.Config{})
	// A zero-rate limiter with no burst denies every admission.
	feed := NewFeed(stream, "topsecret", rate.NewLimiter(rate.Limit(0), 0), logging.NewTestLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/events", feed.Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := strings.Replace(srv.URL, "http", "ws", 1) + "/events?token=topsecret"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 handshake response, got %+v", resp)
	}
}
