package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

// WSStreamingSTT implements voice.StreamingSTTProvider over a JSON-over-
// websocket protocol: binary frames carry 16kHz mono f32le PCM upstream,
// JSON text frames carry speech_start/partial/final/speech_end/cancel/
// reset events downstream, and {"command":"cancel"|"reset"} upstream.
type WSStreamingSTT struct {
	apiKey string
	host   string
	scheme string
}

// NewWSStreamingSTT builds a streaming STT client against host (no
// scheme, e.g. "stt.example.com").
func NewWSStreamingSTT(apiKey, host string) *WSStreamingSTT {
	return &WSStreamingSTT{apiKey: apiKey, host: host, scheme: "wss"}
}

func (p *WSStreamingSTT) Name() string {
	return "wsstreaming-stt"
}

// OpenSession dials a fresh websocket connection and spawns the read
// pump that decodes server events onto the returned session's channel.
func (p *WSStreamingSTT) OpenSession(ctx context.Context, lang voice.Language) (voice.STTSession, error) {
	u := url.URL{Scheme: p.scheme, Host: p.host, Path: "/v1/stream", RawQuery: fmt.Sprintf("api_key=%s&lang=%s", p.apiKey, lang)}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsstreaming-stt: dial: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	sess := &wsSTTSession{
		conn:   conn,
		events: make(chan voice.SttEvent, 32),
		ctx:    sessionCtx,
		cancel: cancel,
	}
	go sess.readLoop()
	return sess, nil
}

type wsSTTSession struct {
	conn   *websocket.Conn
	events chan voice.SttEvent

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (s *wsSTTSession) Send(frame []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, frame)
}

func (s *wsSTTSession) Events() <-chan voice.SttEvent {
	return s.events
}

func (s *wsSTTSession) Control(command string) error {
	payload, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return err
	}
	return s.conn.Write(s.ctx, websocket.MessageText, payload)
}

func (s *wsSTTSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "")
		close(s.events)
	})
	return err
}

// readLoop decodes server text frames into SttEvents until the
// connection closes or the session is closed locally.
func (s *wsSTTSession) readLoop() {
	for {
		messageType, payload, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		if messageType != websocket.MessageText {
			continue
		}
		ev, err := decodeSttEvent(payload)
		if err != nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func decodeSttEvent(payload []byte) (voice.SttEvent, error) {
	var raw struct {
		Type        string  `json:"type"`
		TimestampMs int64   `json:"timestamp_ms"`
		Text        string  `json:"text"`
		Language    string  `json:"language"`
		Confidence  float64 `json:"confidence"`
		DurationMs  float64 `json:"duration_ms"`
		Reason      string  `json:"reason"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return voice.SttEvent{}, err
	}
	return voice.SttEvent{
		Type:        voice.SttEventType(raw.Type),
		TimestampMs: raw.TimestampMs,
		Text:        raw.Text,
		Language:    voice.Language(raw.Language),
		Confidence:  raw.Confidence,
		DurationMs:  raw.DurationMs,
		Reason:      raw.Reason,
	}, nil
}
