package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// VoiceRoomChannelID is the shared LLM channel id batched, multi-speaker
// prompts are generated under (speaker id = 0 / "voice room" per §4.8).
const VoiceRoomChannelID = "voice-room"

const batcherPollInterval = 100 * time.Millisecond

// Batcher aggregates finalized utterances from multiple speakers into a
// single labeled prompt once context_window_ms has elapsed since the
// first utterance in the window, or immediately once active speakers
// drop from >=2 to 1 (§9 decision (b)). The flushed prompt's response is
// segmented, synthesized, and played through the Batcher's own
// Orchestrator exactly like a Worker's direct-mode turn, since no single
// SpeakerSession owns a multi-speaker reply.
type Batcher struct {
	mu          sync.Mutex
	buf         []Utterance
	windowStart time.Time

	windowMs       int
	activeSpeakers int

	llm    LLMProvider
	tts    TTSProvider
	cache  TTSCache
	orch   *Orchestrator
	sem    *semaphore.Weighted
	voice  VoiceParams
	lang   Language
	logger Logger
}

// NewBatcher builds a Batcher that flushes into llm's shared voice-room
// channel and plays the response through orch (bound to the bot's shared
// audio sink). maxConcurrent bounds parallel TTS jobs for one flushed
// response, mirroring PipelineConfig.MaxConcurrentRequests.
func NewBatcher(windowMs int, llm LLMProvider, tts TTSProvider, cache TTSCache, orch *Orchestrator, maxConcurrent int, voice VoiceParams, lang Language, logger Logger) *Batcher {
	if logger == nil {
		logger = NoOpLogger{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Batcher{
		windowMs: windowMs,
		llm:      llm,
		tts:      tts,
		cache:    cache,
		orch:     orch,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		voice:    voice,
		lang:     lang,
		logger:   logger,
	}
}

// Push appends an utterance to the current window, opening the window if
// it was empty.
func (b *Batcher) Push(u Utterance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windowStart.IsZero() {
		b.windowStart = time.Now()
	}
	b.buf = append(b.buf, u)
}

// SetActiveSessions is called by the Dispatcher whenever the active
// SpeakerSession count changes. A transition from >=2 down to 1 triggers
// an immediate flush rather than waiting for the window timer, since the
// Batcher's reason for existing (fusing multiple speakers) no longer
// applies with only one speaker left.
func (b *Batcher) SetActiveSessions(n int) {
	b.mu.Lock()
	prev := b.activeSpeakers
	b.activeSpeakers = n
	shouldFlush := prev >= 2 && n == 1
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(context.Background())
	}
}

// Run polls every 100ms until ctx is cancelled, flushing whenever the
// window has elapsed.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(batcherPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.windowElapsed() {
				b.Flush(ctx)
			}
		}
	}
}

func (b *Batcher) windowElapsed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windowStart.IsZero() {
		return false
	}
	return time.Since(b.windowStart) >= time.Duration(b.windowMs)*time.Millisecond
}

// Flush joins the buffered utterances into one prompt, feeds it to the
// shared voice-room LLM channel, and plays the streamed response through
// orch in segment order. A no-op on an empty buffer.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	buf := b.buf
	b.buf = nil
	b.windowStart = time.Time{}
	b.mu.Unlock()

	if b.llm == nil {
		return
	}
	prompt := joinUtterances(buf)
	tokens, err := b.llm.GenerateStream(ctx, VoiceRoomChannelID, prompt)
	if err != nil {
		b.logger.Warn("batcher: llm generate failed", "error", err)
		return
	}
	b.playResponse(ctx, tokens)
}

// playResponse drives one batched-turn response through the Segmenter and
// this Batcher's own Orchestrator, spawning bounded-concurrency TTS jobs
// exactly as Worker.processText does for a direct-mode turn.
func (b *Batcher) playResponse(ctx context.Context, tokens <-chan Token) {
	requestID := uuid.NewString()
	if b.orch != nil {
		b.orch.Reset(requestID)
	}

	seg := NewSegmenter()
	var wg sync.WaitGroup
	nextIndex := 0

	spawn := func(sentence string) {
		index := nextIndex
		nextIndex++
		if b.orch == nil {
			return
		}
		b.orch.RegisterPending(index, requestID, sentence)
		if err := b.sem.Acquire(ctx, 1); err != nil {
			b.orch.CancelFrom(index, requestID)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.sem.Release(1)
			audio, err := b.synthesize(ctx, sentence)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("batcher: tts synthesize failed", "error", err)
				}
				b.orch.CancelFrom(index, requestID)
				return
			}
			b.orch.OnReady(index, requestID, audio)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case tok, ok := <-tokens:
			if !ok {
				for _, sentence := range seg.Flush() {
					spawn(sentence)
				}
				wg.Wait()
				if b.orch != nil {
					b.orch.Finish(requestID, nextIndex-1)
				}
				return
			}
			if tok.Err != nil {
				b.logger.Warn("batcher: llm token error", "error", tok.Err)
				continue
			}
			for _, sentence := range seg.Feed(tok.Text) {
				spawn(sentence)
			}
		}
	}
}

func (b *Batcher) synthesize(ctx context.Context, text string) (TTSAudio, error) {
	synthFn := func(ctx context.Context) (TTSAudio, error) {
		pcm, sampleRate, err := b.tts.Synthesize(ctx, text, b.voice, b.lang)
		if err != nil {
			return TTSAudio{}, err
		}
		return TTSAudio{PCM: pcm, SampleRate: sampleRate, Duration: pcmDuration(len(pcm), sampleRate)}, nil
	}
	if b.cache == nil {
		return synthFn(ctx)
	}
	return b.cache.LookupOrSynthesize(ctx, text, b.voice, synthFn)
}

func joinUtterances(utterances []Utterance) string {
	lines := make([]string, len(utterances))
	for i, u := range utterances {
		lines[i] = u.DisplayName + ": " + u.Text
	}
	return strings.Join(lines, "\n")
}
