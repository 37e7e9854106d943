// Package wire implements the length-prefixed JSON framing shared by every
// platform service: a big-endian uint32 byte count followed by that many bytes
// of UTF-8 encoded JSON. Both directions of every connection use the same
// framing.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameBytes caps the size of a single frame in either direction.
const MaxFrameBytes = 64 << 10

var (
	// ErrFrameTooLarge indicates the peer announced a frame above MaxFrameBytes.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMalformedFrame indicates the frame body was not valid JSON.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Phase enumerates the session states a client advances through. The value is
// carried verbatim in the request envelope's status field.
type Phase int

const (
	PhaseUnauthenticated Phase = 0
	PhaseLobby           Phase = 1
	PhaseInRoom          Phase = 2
	PhaseInGame          Phase = 3
)

// Result literals carried in the response envelope. Clients branch on these
// rather than on structured error codes.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultTokenMiss = "token miss"
)

// Request is the client-to-service envelope.
type Request struct {
	Status Phase          `json:"status"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
	Token  string         `json:"token"`
}

// Response is the service-to-client envelope.
type Response struct {
	Action string         `json:"action"`
	Result string         `json:"result"`
	Data   map[string]any `json:"data"`
	Msg    string         `json:"msg"`
}

// OK builds a success response for the given action.
func OK(action string, data map[string]any, msg string) Response {
	if data == nil {
		data = map[string]any{}
	}
	return Response{Action: action, Result: ResultOK, Data: data, Msg: msg}
}

// Error builds an error response for the given action.
func Error(action, msg string) Response {
	return Response{Action: action, Result: ResultError, Data: map[string]any{}, Msg: msg}
}

// TokenMiss builds the forced-logout response sent on a token mismatch. The
// data payload tells the client which phase to fall back to.
func TokenMiss(action string) Response {
	return Response{
		Action: action,
		Result: ResultTokenMiss,
		Data:   map[string]any{"status_change": int(PhaseUnauthenticated)},
		Msg:    "Miss matching token, logout",
	}
}

// StoreRequest is the envelope services send to the Store Engine. The store
// replies with the raw record map, or an empty map for not-found and void
// operations.
type StoreRequest struct {
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// WriteJSON marshals v and writes it as a single frame.
func WriteJSON(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadJSON reads a single frame and unmarshals it into v. A zero-length read
// or closed peer surfaces as an io error, which callers treat as the
// disconnect signal.
func ReadJSON(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// SetKeepalive enables TCP keepalive probing so half-dead peers are eventually
// detected by the read path.
func SetKeepalive(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetKeepAlivePeriod(60 * time.Second)
}
