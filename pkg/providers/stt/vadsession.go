package stt

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

// rmsVAD is a lightweight, no-dependency voice activity detector: it
// confirms speech start only after minConfirmed consecutive above-threshold
// frames (filtering spikes and echo-onset pops) and signals speech end once
// silenceLimit has elapsed below threshold.
type rmsVAD struct {
	threshold    float64
	silenceLimit time.Duration
	minConfirmed int

	isSpeaking        bool
	consecutiveFrames int
	silenceStart      time.Time
}

type vadEventType int

const (
	vadNone vadEventType = iota
	vadSpeechStart
	vadSpeechEnd
)

func newRMSVAD(threshold float64, silenceLimit time.Duration) *rmsVAD {
	return &rmsVAD{threshold: threshold, silenceLimit: silenceLimit, minConfirmed: 7}
}

func (v *rmsVAD) process(frame []float32) vadEventType {
	rms := calculateRMSf32(frame)
	now := time.Now()

	if rms > v.threshold {
		v.consecutiveFrames++
		v.silenceStart = time.Time{}
		if !v.isSpeaking && v.consecutiveFrames >= v.minConfirmed {
			v.isSpeaking = true
			return vadSpeechStart
		}
		return vadNone
	}

	v.consecutiveFrames = 0
	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}
		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return vadSpeechEnd
		}
	}
	return vadNone
}

func calculateRMSf32(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// VADStreamingAdapter wraps a batch (request/response) voice.STTProvider —
// Groq, OpenAI, Deepgram, AssemblyAI — with local RMS-based speech
// boundary detection so it can satisfy voice.StreamingSTTProvider and
// drop straight into the same Worker/Dispatcher pipeline as a native
// streaming provider. Every confirmed utterance is buffered in memory and
// transcribed in one Transcribe call once silence is detected.
type VADStreamingAdapter struct {
	provider     voice.STTProvider
	sampleRate   int
	threshold    float64
	silenceLimit time.Duration
}

// NewVADStreamingAdapter builds an adapter around provider. threshold and
// silenceLimit tune the RMS VAD; silenceLimit <= 0 defaults to 500ms,
// matching the teacher's default VAD configuration.
func NewVADStreamingAdapter(provider voice.STTProvider, sampleRate int, threshold float64, silenceLimit time.Duration) *VADStreamingAdapter {
	if silenceLimit <= 0 {
		silenceLimit = 500 * time.Millisecond
	}
	if threshold <= 0 {
		threshold = 0.02
	}
	return &VADStreamingAdapter{
		provider:     provider,
		sampleRate:   sampleRate,
		threshold:    threshold,
		silenceLimit: silenceLimit,
	}
}

func (a *VADStreamingAdapter) Name() string {
	return a.provider.Name() + "+vad"
}

// OpenSession starts a goroutine-free session: all work happens inline in
// Send, driven by the caller's own read loop, exactly like the teacher's
// synchronous VAD.Process call per audio chunk.
func (a *VADStreamingAdapter) OpenSession(ctx context.Context, lang voice.Language) (voice.STTSession, error) {
	return &vadSTTSession{
		ctx:      ctx,
		provider: a.provider,
		lang:     lang,
		vad:      newRMSVAD(a.threshold, a.silenceLimit),
		sampleRate: a.sampleRate,
		events:   make(chan voice.SttEvent, 16),
	}, nil
}

type vadSTTSession struct {
	ctx        context.Context
	provider   voice.STTProvider
	lang       voice.Language
	vad        *rmsVAD
	sampleRate int

	mu       sync.Mutex
	buf      []float32
	events   chan voice.SttEvent
	closeOnce sync.Once
}

// Send feeds one 16kHz mono f32-as-bytes frame (little-endian), matching
// the wire contract of a native streaming session. It runs the VAD over
// the frame, buffers audio while speech is confirmed, and fires a
// Transcribe call on speech end.
func (s *vadSTTSession) Send(frame []byte) error {
	pcm := bytesToFloat32LE(frame)

	s.mu.Lock()
	ev := s.vad.process(pcm)
	switch ev {
	case vadSpeechStart:
		s.buf = append(s.buf[:0], pcm...)
	case vadSpeechEnd:
		captured := append([]float32(nil), s.buf...)
		s.buf = s.buf[:0]
		s.mu.Unlock()
		s.emit(voice.SttEvent{Type: voice.SttSpeechStart, TimestampMs: nowMs()})
		s.emit(voice.SttEvent{Type: voice.SttSpeechEnd, TimestampMs: nowMs()})
		s.transcribeAndEmit(captured)
		return nil
	default:
		if s.vad.isSpeaking {
			s.buf = append(s.buf, pcm...)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *vadSTTSession) transcribeAndEmit(pcm []float32) {
	if len(pcm) == 0 {
		return
	}
	text, err := s.provider.Transcribe(s.ctx, floatPCMToBytesLE16(pcm), s.lang)
	if err != nil {
		return
	}
	if text == "" {
		return
	}
	s.emit(voice.SttEvent{Type: voice.SttFinal, Text: text, Language: s.lang, TimestampMs: nowMs()})
}

func (s *vadSTTSession) emit(ev voice.SttEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *vadSTTSession) Events() <-chan voice.SttEvent {
	return s.events
}

// Control is a no-op for batch providers: "cancel" and "reset" have no
// server-side counterpart to notify, the caller simply stops feeding audio.
func (s *vadSTTSession) Control(command string) error {
	return nil
}

func (s *vadSTTSession) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func bytesToFloat32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func floatPCMToBytesLE16(pcm []float32) []byte {
	out := make([]byte, len(pcm)*2)
	for i, f := range pcm {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		sample := int16(f * 32767)
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
