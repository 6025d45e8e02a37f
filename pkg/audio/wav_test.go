package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sampleRate := 44100
	wav := NewWavBuffer(pcm, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("Expected RIFF prefix")
	}

	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("Expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("Expected length %d, got %d", expectedLen, len(wav))
	}
}

func TestNewWavBufferEncodesSampleRateInFmtChunk(t *testing.T) {
	wav := NewWavBuffer([]byte{0x00, 0x00}, 16000)
	// The fmt chunk's sample-rate field sits at byte offset 24 (RIFF(4) +
	// size(4) + WAVE(4) + "fmt "(4) + chunk-size(4) + format+channels(4)).
	got := binary.LittleEndian.Uint32(wav[24:28])
	if got != 16000 {
		t.Errorf("sample rate field = %d, want 16000", got)
	}
}

func TestNewWavBufferHandlesEmptyPCM(t *testing.T) {
	wav := NewWavBuffer(nil, 8000)
	if len(wav) != 44 {
		t.Errorf("header-only length = %d, want 44", len(wav))
	}
}
