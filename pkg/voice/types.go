// Package voice implements the real-time multi-speaker voice dialogue
// core: connection state, SSRC dispatch, the STT->LLM->TTS pipeline
// worker, sentence segmentation, ordered playback, barge-in, and
// multi-speaker context batching.
package voice

import (
	"context"
	"sync"
	"time"
)

// Logger is the ambient structured-logging seam. The core depends only on
// this interface; concrete logging libraries are adapted to it (see
// logging.go).
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Used as the zero-value default so
// callers never need a nil check.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// Language is a BCP-47-ish language tag passed through to STT/TTS/LLM
// collaborators.
type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

// VoiceParams are the five voice parameters that, together with the text,
// define a TTS synthesis request and, canonicalized, the cache key (see
// pkg/ttscache).
type VoiceParams struct {
	Model     string
	Speed     float64
	StyleID   string
	SpeakerID string
	Pitch     float64
}

// Message is one turn of conversation context handed to the LLM.
type Message struct {
	Role    string
	Content string
}

// ---- STT ----

// SttEventType tags the variant of an SttEvent, mirroring the wire
// protocol's "type" discriminator exactly.
type SttEventType string

const (
	SttSpeechStart SttEventType = "speech_start"
	SttPartial     SttEventType = "partial"
	SttFinal       SttEventType = "final"
	SttSpeechEnd   SttEventType = "speech_end"
	SttCancel      SttEventType = "cancel"
	SttReset       SttEventType = "reset"
)

// CancelReason values for SttCancel events.
const (
	CancelInterrupt     = "interrupt"
	CancelTooShort      = "too_short"
	CancelClientRequest = "client_request"
)

// ResetReason values for SttReset events.
const (
	ResetPostInterrupt = "post_interrupt"
	ResetTimeout       = "timeout"
	ResetClientRequest = "client_request"
)

// SttEvent is the tagged-union event produced by an STT session. Only the
// fields relevant to Type are populated.
type SttEvent struct {
	Type          SttEventType
	TimestampMs   int64
	Text          string
	Language      Language
	Confidence    float64
	DurationMs    float64
	Reason        string
}

// STTProvider is the batch (request/response) speech-to-text collaborator.
type STTProvider interface {
	Transcribe(ctx context.Context, audioPCM []byte, lang Language) (string, error)
	Name() string
}

// STTSession is one open streaming STT connection, carrying many
// utterances for the lifetime of a SpeakerSession.
type STTSession interface {
	// Send forwards a binary PCM frame (16 kHz mono f32 little-endian).
	Send(frame []byte) error
	// Events delivers SttEvents in the order the service produced them.
	Events() <-chan SttEvent
	// Control sends a client-to-server control frame ("cancel"/"reset").
	Control(command string) error
	Close() error
}

// StreamingSTTProvider opens STTSessions.
type StreamingSTTProvider interface {
	OpenSession(ctx context.Context, lang Language) (STTSession, error)
	Name() string
}

// ---- LLM ----

// Token is one piece of a streamed LLM completion; Err is set (and Text
// empty) when the stream terminates abnormally.
type Token struct {
	Text string
	Err  error
}

// LLMProvider is the conversational-agent collaborator.
type LLMProvider interface {
	// GenerateStream starts a streamed completion for channelID (a
	// synthetic "voice-{user_id}" id for direct mode, or a shared id for
	// batched multi-speaker prompts) given the latest user text. The
	// returned channel is closed when generation ends; ctx cancellation
	// must stop token production at the next boundary.
	GenerateStream(ctx context.Context, channelID, text string) (<-chan Token, error)
	// Reset clears any server- or client-side memory of channelID.
	Reset(channelID string)
	Name() string
}

// ---- TTS ----

// TTSProvider is the speech-synthesis collaborator.
type TTSProvider interface {
	// Synthesize returns the full PCM result (float32 samples in
	// [-1,1]) at the provider's native sample rate.
	Synthesize(ctx context.Context, text string, voice VoiceParams, lang Language) (pcm []float32, sampleRate int, err error)
	// StreamSynthesize calls onChunk with raw PCM byte chunks, in the
	// provider's native wire encoding and sample rate (LokutorTTS:
	// little-endian int16 at 24kHz), as they become available.
	StreamSynthesize(ctx context.Context, text string, voice VoiceParams, lang Language, onChunk func([]byte) error) error
	// Abort forcibly cancels any in-flight synthesis at the provider
	// level, used for fast barge-in response that outruns context
	// cancellation propagation.
	Abort() error
	Name() string
}

// ---- TTS cache ----

// TTSCache is the content-addressed synthesis cache collaborator (see
// pkg/ttscache for the concrete SQLite-backed implementation). The
// Worker computes the key implicitly by calling LookupOrSynthesize with
// its own synth closure; the cache coalesces concurrent identical keys
// (§9 decision (c)) rather than letting the Worker race TTS calls.
type TTSCache interface {
	Lookup(ctx context.Context, text string, voice VoiceParams) (TTSAudio, bool, error)
	Insert(ctx context.Context, text string, voice VoiceParams, audio TTSAudio) error
	LookupOrSynthesize(ctx context.Context, text string, voice VoiceParams, synth func(context.Context) (TTSAudio, error)) (TTSAudio, error)
}

// ---- Audio sink / transport (external collaborators, §6) ----

// AudioSink plays 48 kHz stereo i16 PCM to completion, or until Stop.
type AudioSink interface {
	Play(ctx context.Context, pcm []int16) error
	Stop() error
}

// Transport is the voice-gateway collaborator (out of CORE scope; see
// pkg/transport/discord for a concrete adapter).
type Transport interface {
	// RequestJoin/RequestLeave send the gateway voice-state-update (op=4).
	RequestJoin(guildID, channelID string) error
	RequestLeave(guildID string) error

	// OnVoiceStateUpdate/OnVoiceServerUpdate register callbacks invoked
	// when the gateway supplies the session id / endpoint+token pair
	// needed to complete a Connecting->Connected transition.
	OnVoiceStateUpdate(func(guildID, sessionID string))
	OnVoiceServerUpdate(func(guildID, endpoint, token string))

	// OnSpeakingUpdate registers a callback populating the SSRC->user map.
	OnSpeakingUpdate(func(ssrc uint32, userID, displayName string))
	// OnAudio registers the decoded-audio callback, ~20ms frames of
	// 48kHz stereo PCM.
	OnAudio(func(ssrc uint32, pcm []int16))

	Sink() AudioSink
}

// ---- Domain entities ----

// Utterance is one finalized, non-empty transcription.
type Utterance struct {
	SpeakerID   string
	DisplayName string
	Text        string
	Timestamp   time.Time
}

// SegmentStatus is a node in the Segment lifecycle DAG described in §4.6.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentGenerating SegmentStatus = "generating"
	SegmentReady      SegmentStatus = "ready"
	SegmentPlaying    SegmentStatus = "playing"
	SegmentDone       SegmentStatus = "done"
	SegmentCancelled  SegmentStatus = "cancelled"
)

// TTSAudio is a synthesized result ready for playback.
type TTSAudio struct {
	PCM        []float32
	SampleRate int
	Duration   time.Duration
}

// Segment is one sentence of an LLM response, tracked end to end from
// generation through playback.
type Segment struct {
	Index     int
	Text      string
	RequestID string
	Status    SegmentStatus
	Audio     *TTSAudio
}

// PlaybackJob is a synthesized segment handed to the Orchestrator.
type PlaybackJob struct {
	SegmentIndex int
	RequestID    string
	Audio        TTSAudio
}

// SpeakerSession tracks one SSRC's live pipeline state, owned exclusively
// by the Dispatcher.
type SpeakerSession struct {
	mu sync.RWMutex

	SSRC        uint32
	UserID      string
	DisplayName string
	lastSpoken  time.Time

	Audio  chan []float32 // 16kHz mono f32 chunks, owned by the worker
	Cancel context.CancelFunc
	Done   chan struct{}
}

func newSpeakerSession(ssrc uint32, userID, displayName string, audioBuf int) *SpeakerSession {
	return &SpeakerSession{
		SSRC:        ssrc,
		UserID:      userID,
		DisplayName: displayName,
		lastSpoken:  time.Now(),
		Audio:       make(chan []float32, audioBuf),
		Done:        make(chan struct{}),
	}
}

func (s *SpeakerSession) touch() {
	s.mu.Lock()
	s.lastSpoken = time.Now()
	s.mu.Unlock()
}

func (s *SpeakerSession) LastSpoken() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSpoken
}
