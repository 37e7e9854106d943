package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"gameforge/platform/internal/events"
	"gameforge/platform/internal/logging"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedBuffer       = 64
)

// Feed bridges the operational event stream onto WebSocket subscribers.
// Each subscriber acknowledges sequences back over the socket, so a
// reconnecting ops client resumes from its last ack.
type Feed struct {
	stream   *events.Stream
	opsToken string
	admit    *rate.Limiter
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// NewFeed builds the feed handler. The limiter paces new subscriber
// admissions; nil disables pacing.
func NewFeed(stream *events.Stream, opsToken string, admit *rate.Limiter, logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.L()
	}
	return &Feed{
		stream:   stream,
		opsToken: strings.TrimSpace(opsToken),
		admit:    admit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ackFrame is the only message subscribers send upstream.
type ackFrame struct {
	Ack uint64 `json:"ack"`
}

// Handler upgrades the connection and streams events until the client goes away.
func (f *Feed) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := f.logger.With(
			logging.String("handler", "events_feed"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if f.opsToken == "" {
			http.Error(w, "ops authentication not configured", http.StatusForbidden)
			return
		}
		if !tokenMatches(r, f.opsToken) {
			reqLogger.Warn("feed denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if f.admit != nil && !f.admit.Allow() {
			reqLogger.Warn("feed denied: admission rate exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		subscriberID := strings.TrimSpace(r.URL.Query().Get("subscriber"))
		if subscriberID == "" {
			subscriberID = r.RemoteAddr
		}

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			reqLogger.Warn("feed upgrade failed", logging.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub, err := f.stream.Subscribe(ctx, subscriberID, feedBuffer)
		if err != nil {
			reqLogger.Error("feed subscribe failed", logging.Error(err))
			conn.Close()
			return
		}
		defer sub.Close()
		defer conn.Close()

		go f.readAcks(conn, sub, cancel, reqLogger)

		reqLogger.Info("feed subscriber attached", logging.String("subscriber", subscriberID))
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					reqLogger.Warn("feed write failed", logging.Error(err))
					return
				}
			}
		}
	}
}

func (f *Feed) readAcks(conn *websocket.Conn, sub *events.Subscription, cancel context.CancelFunc, reqLogger *logging.Logger) {
	defer cancel()
	for {
		var frame ackFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Ack == 0 {
			continue
		}
		if err := sub.Ack(frame.Ack); err != nil {
			reqLogger.Warn("feed ack rejected",
				logging.String("error", err.Error()))
		}
	}
}

// tokenMatches checks the bearer header, the ops header and the token query
// parameter against the configured secret in constant time.
func tokenMatches(r *http.Request, want string) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Ops-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}
