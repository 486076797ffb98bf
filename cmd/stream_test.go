package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/andresmejia3/wakewire/internal/protocol"
	"github.com/andresmejia3/wakewire/internal/types"
)

// fakeServer answers DETECTED for every frame whose first byte is non-zero
// and records what it received.
func fakeServer(conn net.Conn, frameBytes, frames int, received chan<- []byte) {
	defer conn.Close()
	for i := 0; i < frames; i++ {
		buf := make([]byte, frameBytes)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		received <- buf
		verdict := types.NotDetected
		if buf[0] != 0 {
			verdict = types.Detected("hey_jarvis", 0.9)
		}
		if _, err := conn.Write(protocol.Encode(verdict)); err != nil {
			return
		}
	}
}

func TestStreamAudio(t *testing.T) {
	server, client := net.Pipe()
	received := make(chan []byte, 8)
	go fakeServer(server, 4, 4, received)

	audio := []byte{
		0, 0, 0, 0,
		1, 0, 0, 0,
		0, 0, 0, 0,
		5, 0, // short tail
	}

	var seen []int
	res, err := streamAudio(context.Background(), client, bytes.NewReader(audio), 4, 0, func(i int, detected bool) {
		seen = append(seen, i)
	})
	client.Close()
	if err != nil {
		t.Fatalf("streamAudio failed: %v", err)
	}

	if res.Frames != 4 {
		t.Errorf("Expected 4 frames, got %d", res.Frames)
	}
	if !reflect.DeepEqual(res.Detections, []int{1, 3}) {
		t.Errorf("Detections = %v, want [1 3]", res.Detections)
	}
	if !reflect.DeepEqual(seen, []int{0, 1, 2, 3}) {
		t.Errorf("onFrame saw %v", seen)
	}

	var last []byte
	for i := 0; i < 4; i++ {
		last = <-received
	}
	if !bytes.Equal(last, []byte{5, 0, 0, 0}) {
		t.Errorf("Final frame should be zero padded, got %v", last)
	}
}

func TestStreamAudio_ServerGone(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() {
		buf := make([]byte, 4)
		io.ReadFull(server, buf)
		server.Close() // no reply
	}()

	_, err := streamAudio(context.Background(), client, bytes.NewReader(make([]byte, 8)), 4, 0, nil)
	if !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestStreamAudio_Cancelled(t *testing.T) {
	_, client := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := streamAudio(ctx, client, bytes.NewReader(make([]byte, 8)), 4, time.Hour, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if res.Frames != 0 {
		t.Errorf("No frame should be sent, got %d", res.Frames)
	}
}

func TestReadFrame(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2, 3, 4, 5})
	buf := make([]byte, 4)

	if ok, err := readFrame(r, buf); !ok || err != nil || !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Fatalf("first frame = %v, %v, %v", buf, ok, err)
	}
	if ok, err := readFrame(r, buf); !ok || err != nil || !bytes.Equal(buf, []byte{5, 0, 0, 0}) {
		t.Fatalf("padded frame = %v, %v, %v", buf, ok, err)
	}
	if ok, err := readFrame(r, buf); ok || err != nil {
		t.Fatalf("Expected end of audio, got %v, %v", ok, err)
	}
}

func TestFrameOffset(t *testing.T) {
	tests := []struct {
		index, chunk int
		want         time.Duration
	}{
		{0, 1280, 80 * time.Millisecond},
		{9, 1280, 800 * time.Millisecond},
		{0, 1600, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := frameOffset(tt.index, tt.chunk); got != tt.want {
			t.Errorf("frameOffset(%d, %d) = %v, want %v", tt.index, tt.chunk, got, tt.want)
		}
	}
}
