package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := Request{
		Status: PhaseLobby,
		Action: "create_room",
		Data:   map[string]any{"gamename": "chess", "room_password": ""},
		Token:  "abc123",
	}
	if err := WriteJSON(&buf, sent); err != nil {
		t.Fatalf("write: %v", err)
	}

	header := buf.Bytes()[:4]
	if got := binary.BigEndian.Uint32(header); int(got) != buf.Len()-4 {
		t.Fatalf("header announces %d bytes, body has %d", got, buf.Len()-4)
	}

	var received Request
	if err := ReadJSON(&buf, &received); err != nil {
		t.Fatalf("read: %v", err)
	}
	if received.Status != sent.Status || received.Action != sent.Action || received.Token != sent.Token {
		t.Fatalf("round trip mismatch: %+v", received)
	}
	if received.Data["gamename"] != "chess" {
		t.Fatalf("data lost in transit: %+v", received.Data)
	}
}

func TestWriteRejectsOversizeFrame(t *testing.T) {
	big := map[string]any{"blob": strings.Repeat("x", MaxFrameBytes)}
	if err := WriteJSON(io.Discard, big); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadRejectsOversizeHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameBytes+1)
	buf.Write(header[:])

	var v map[string]any
	if err := ReadJSON(&buf, &v); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadSurfacesTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf.Write(header[:])
	buf.WriteString("short")

	var v map[string]any
	if err := ReadJSON(&buf, &v); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestReadRejectsGarbageBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 4)
	buf.Write(header[:])
	buf.WriteString("{{{{")

	var v map[string]any
	if err := ReadJSON(&buf, &v); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestTokenMissAnnouncesPhaseReset(t *testing.T) {
	resp := TokenMiss("ready_up")
	if resp.Result != ResultTokenMiss {
		t.Fatalf("result = %q", resp.Result)
	}
	if change, ok := resp.Data["status_change"].(int); !ok || change != int(PhaseUnauthenticated) {
		t.Fatalf("status_change = %v", resp.Data["status_change"])
	}
}
