// Package tts adapts third-party speech-synthesis services to
// voice.TTSProvider.
package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vocalbridge/voicecore/pkg/audio"
	"github.com/vocalbridge/voicecore/pkg/voice"
)

// lokutorSampleRate is the fixed PCM16LE sample rate Lokutor's websocket
// protocol streams audio at.
const lokutorSampleRate = 24000

// LokutorTTS streams synthesis requests over a persistent websocket
// connection, reopening it lazily after any read/write failure.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string

	reqMu sync.Mutex // serializes requests on the shared connection
	mu    sync.Mutex
	conn  *websocket.Conn
}

// NewLokutorTTS builds a LokutorTTS client against the production host.
func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
	}
}

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}

	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	t.conn = conn
	return conn, nil
}

// Synthesize implements voice.TTSProvider by draining StreamSynthesize's
// raw PCM16LE chunks into one float32 buffer.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string, v voice.VoiceParams, lang voice.Language) ([]float32, int, error) {
	var raw []byte
	err := t.StreamSynthesize(ctx, text, v, lang, func(chunk []byte) error {
		raw = append(raw, chunk...)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return audio.Int16ToFloat32(bytesToI16LE(raw)), lokutorSampleRate, nil
}

// StreamSynthesize implements voice.TTSProvider, forwarding raw PCM16LE
// chunks as they arrive over the websocket.
func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, v voice.VoiceParams, lang voice.Language, onChunk func([]byte) error) error {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	conn, err := t.getConn(ctx)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"text":       text,
		"lang":       string(lang),
		"model":      v.Model,
		"speed":      v.Speed,
		"style_id":   v.StyleID,
		"speaker_id": v.SpeakerID,
		"pitch":      v.Pitch,
		"version":    "versa-1.0",
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return fmt.Errorf("lokutor error: %s", msg)
			}
		}
	}
}

// Abort closes the current connection, unblocking any in-flight Read in
// StreamSynthesize faster than ctx cancellation would propagate through
// the websocket library.
func (t *LokutorTTS) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "aborted")
	t.conn = nil
	return err
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}

func bytesToI16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}
