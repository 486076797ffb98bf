package utils

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	raw := EncodePCM16(samples)

	// Little-endian: -1 is FF FF, 1 is 01 00
	if raw[2] != 0x01 || raw[3] != 0x00 || raw[4] != 0xFF || raw[5] != 0xFF {
		t.Errorf("Unexpected byte layout: % X", raw[:6])
	}

	got, err := DecodePCM16(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, samples) {
		t.Errorf("DecodePCM16 = %v, want %v", got, samples)
	}

	if _, err := DecodePCM16([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd payload")
	}
}

func wavHeader(channels uint16, rate uint32, bits uint16) []byte {
	h := new(bytes.Buffer)
	h.WriteString("RIFF")
	binary.Write(h, binary.LittleEndian, uint32(36))
	h.WriteString("WAVEfmt ")
	binary.Write(h, binary.LittleEndian, uint32(16))
	binary.Write(h, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(h, binary.LittleEndian, channels)
	binary.Write(h, binary.LittleEndian, rate)
	binary.Write(h, binary.LittleEndian, rate*uint32(channels)*uint32(bits/8))
	binary.Write(h, binary.LittleEndian, channels*bits/8)
	binary.Write(h, binary.LittleEndian, bits)
	h.WriteString("data")
	binary.Write(h, binary.LittleEndian, uint32(0))
	return h.Bytes()
}

func TestSkipWAVHeader(t *testing.T) {
	body := []byte{1, 2, 3, 4}

	// WAV input: header is dropped
	r, err := SkipWAVHeader(bytes.NewReader(append(wavHeader(1, 16000, 16), body...)))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, body) {
		t.Errorf("Expected body only, got % X", got)
	}

	// Raw PCM input: untouched, even when shorter than a header
	raw := bytes.Repeat([]byte{9}, 10)
	r, err = SkipWAVHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	got, _ = io.ReadAll(r)
	if !bytes.Equal(got, raw) {
		t.Errorf("Raw PCM was modified: % X", got)
	}

	// Stereo 44.1k is rejected
	if _, err := SkipWAVHeader(bytes.NewReader(wavHeader(2, 44100, 16))); err == nil {
		t.Error("Expected error for unsupported wav format")
	}
}

func riffChunk(id string, body []byte) []byte {
	c := new(bytes.Buffer)
	c.WriteString(id)
	binary.Write(c, binary.LittleEndian, uint32(len(body)))
	c.Write(body)
	if len(body)%2 == 1 {
		c.WriteByte(0) // chunks are word aligned
	}
	return c.Bytes()
}

func TestSkipWAVHeader_ExtraChunks(t *testing.T) {
	// The fmt chunk body is bytes 20..36 of the canonical header
	fmtBody := wavHeader(1, 16000, 16)[20:36]
	samples := []byte{1, 2, 3, 4, 5, 6}

	var chunks []byte
	chunks = append(chunks, riffChunk("fmt ", fmtBody)...)
	chunks = append(chunks, riffChunk("LIST", []byte("INFOISFT\x05\x00\x00\x00Lavf\x00"))...)
	chunks = append(chunks, riffChunk("fact", []byte{0, 0, 0, 0})...)
	chunks = append(chunks, riffChunk("data", samples)...)
	chunks = append(chunks, riffChunk("id3 ", []byte("trailing tag"))...)

	file := new(bytes.Buffer)
	file.WriteString("RIFF")
	binary.Write(file, binary.LittleEndian, uint32(4+len(chunks)))
	file.WriteString("WAVE")
	file.Write(chunks)

	r, err := SkipWAVHeader(file)
	if err != nil {
		t.Fatalf("SkipWAVHeader failed: %v", err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, samples) {
		t.Errorf("Expected only the data chunk samples, got % X", got)
	}
}

func TestSkipWAVHeader_Malformed(t *testing.T) {
	fmtBody := wavHeader(1, 16000, 16)[20:36]
	tests := []struct {
		name   string
		chunks []byte
	}{
		{"No data chunk", riffChunk("fmt ", fmtBody)},
		{"Data before fmt", riffChunk("data", []byte{1, 2})},
		{"Truncated chunk", append(riffChunk("fmt ", fmtBody), 'L', 'I', 'S', 'T', 100, 0, 0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := append([]byte("RIFF\x00\x00\x00\x00WAVE"), tt.chunks...)
			if _, err := SkipWAVHeader(bytes.NewReader(file)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := NewTailBuffer(8)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))

	if b.Len() != 8 {
		t.Errorf("Len() = %d, want 8", b.Len())
	}
	if b.String() != "lo world" {
		t.Errorf("String() = %q, want %q", b.String(), "lo world")
	}
}

func TestNewSafeCommand_CapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom 1>&2")
	if err := cmd.Run(); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	if !strings.Contains(cmd.Stderr.String(), "boom") {
		t.Errorf("Expected stderr to be captured, got %q", cmd.Stderr.String())
	}
}
