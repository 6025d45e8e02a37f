package voice

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Worker drives one SpeakerSession end to end: it owns the STT session,
// interprets STT events, hands finalized utterances to the Agent (direct
// or via the shared Batcher), segments the response, fans out TTS jobs,
// and feeds the Orchestrator. Grounded on the cooperative-select,
// generation-counter, cancel-outside-lock shape the teacher uses for its
// single-stream pipeline, generalized to multi-segment playback and an
// STT-event-driven barge-in trigger.
type Worker struct {
	ssrc    uint32
	session *SpeakerSession

	stt   StreamingSTTProvider
	llm   LLMProvider
	tts   TTSProvider
	cache TTSCache

	dispatcher *Dispatcher
	batcher    *Batcher
	orch       *Orchestrator
	bargein    *BargeInController

	pipeline PipelineConfig
	lang     Language
	voice    VoiceParams

	logger Logger

	mu             sync.Mutex
	sttGeneration  int
	pipelineCancel context.CancelFunc
	requestID      string
	nextSegIndex   int
	closeOnce      sync.Once
	stopped        chan struct{}

	idleTimer *time.Timer
	sem       *semaphore.Weighted
}

// NewWorker builds a Worker for an already-created SpeakerSession. Most
// collaborators are shared across every worker a Dispatcher creates.
func NewWorker(
	session *SpeakerSession,
	stt StreamingSTTProvider,
	llm LLMProvider,
	tts TTSProvider,
	cache TTSCache,
	dispatcher *Dispatcher,
	batcher *Batcher,
	orch *Orchestrator,
	cfg Config,
	lang Language,
	voice VoiceParams,
	logger Logger,
) *Worker {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Worker{
		ssrc:       session.SSRC,
		session:    session,
		stt:        stt,
		llm:        llm,
		tts:        tts,
		cache:      cache,
		dispatcher: dispatcher,
		batcher:    batcher,
		orch:       orch,
		bargein:    NewBargeInController(cfg.Interrupt, cfg.Pipeline.InterruptEnabled),
		pipeline:   cfg.Pipeline,
		lang:       lang,
		voice:      voice,
		logger:     logger,
		stopped:    make(chan struct{}),
		sem:        semaphore.NewWeighted(int64(cfg.Pipeline.MaxConcurrentRequests)),
	}
}

// Start launches the worker's run loop. Safe to call once.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Feed delivers one 16kHz mono f32 PCM chunk without blocking the audio
// receiver: if the session's buffer is full it drops the oldest queued
// chunk to make room, and drops pcm itself only if the buffer is still full.
func (w *Worker) Feed(pcm []float32) {
	select {
	case w.session.Audio <- pcm:
	default:
		select {
		case <-w.session.Audio:
		default:
		}
		select {
		case w.session.Audio <- pcm:
		default:
		}
	}
}

// Stop cancels the worker's lifetime. Idempotent.
func (w *Worker) Stop() {
	w.closeOnce.Do(func() {
		close(w.stopped)
	})
}

func (w *Worker) run(ctx context.Context) {
	sttSession, err := w.stt.OpenSession(ctx, w.lang)
	if err != nil {
		w.logger.Error("worker: failed to open stt session", "ssrc", w.ssrc, "error", err)
		w.dispatcher.RemoveSession(w.ssrc)
		return
	}
	defer sttSession.Close()

	w.resetIdleTimer()
	defer w.stopIdleTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case pcm, ok := <-w.session.Audio:
			if !ok {
				return
			}
			if err := sttSession.Send(floatPCMToBytesLE(pcm)); err != nil {
				w.logger.Warn("worker: stt send failed", "ssrc", w.ssrc, "error", err)
			}
			w.resetIdleTimer()
		case ev, ok := <-sttSession.Events():
			if !ok {
				w.dispatcher.RemoveSession(w.ssrc)
				return
			}
			w.handleEvent(ctx, ev)
			w.resetIdleTimer()
		case <-w.idleTimerChan():
			if w.pipeline.SilenceTimeoutSecs > 0 {
				w.logger.Info("worker: idle timeout", "ssrc", w.ssrc)
				w.dispatcher.RemoveSession(w.ssrc)
				return
			}
		}
	}
}

func (w *Worker) idleTimerChan() <-chan time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idleTimer == nil {
		return nil
	}
	return w.idleTimer.C
}

func (w *Worker) resetIdleTimer() {
	if w.pipeline.SilenceTimeoutSecs <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	d := time.Duration(w.pipeline.SilenceTimeoutSecs) * time.Second
	if w.idleTimer == nil {
		w.idleTimer = time.NewTimer(d)
		return
	}
	if !w.idleTimer.Stop() {
		select {
		case <-w.idleTimer.C:
		default:
		}
	}
	w.idleTimer.Reset(d)
}

func (w *Worker) stopIdleTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
}

func (w *Worker) handleEvent(ctx context.Context, ev SttEvent) {
	switch ev.Type {
	case SttSpeechStart:
		w.onSpeechStart(ctx, ev)
	case SttPartial:
		// Nothing to act on; partials are informational only.
	case SttFinal:
		w.onFinal(ctx, ev)
	case SttSpeechEnd:
		w.bargein.Cancel()
		w.logger.Debug("worker: speech end", "ssrc", w.ssrc)
	case SttCancel:
		if ev.Reason == CancelInterrupt {
			w.fireBargeIn()
		}
	case SttReset:
		w.logger.Debug("worker: stt reset", "ssrc", w.ssrc, "reason", ev.Reason)
	}
}

// onSpeechStart arms the barge-in controller and, if armed, starts the
// minimum-speech-duration timer before actually committing to an
// interruption, per §4.7's precondition.
func (w *Worker) onSpeechStart(ctx context.Context, ev SttEvent) {
	if !w.isSegmentPlaying() {
		return
	}
	now := time.Now()
	if !w.bargein.Arm(now) {
		return
	}
	go func() {
		timer := time.NewTimer(w.bargein.MinSpeechDuration())
		defer timer.Stop()
		select {
		case <-timer.C:
			if w.bargein.Confirm(time.Now()) {
				w.fireBargeIn()
			}
		case <-ctx.Done():
		case <-w.stopped:
		}
	}()
}

func (w *Worker) isSegmentPlaying() bool {
	w.mu.Lock()
	requestID := w.requestID
	w.mu.Unlock()
	if requestID == "" {
		return false
	}
	return w.orch.CurrentPlayingIndex(requestID) >= 0
}

// fireBargeIn runs the atomic sequence from §4.7: cancel unplayed
// segments, fire the utterance's cancellation token, commit the played
// prefix as interrupted history, and install a fresh token.
func (w *Worker) fireBargeIn() {
	w.mu.Lock()
	requestID := w.requestID
	cancel := w.pipelineCancel
	w.pipelineCancel = nil
	w.sttGeneration++
	w.mu.Unlock()

	if requestID == "" {
		return
	}

	playing := w.orch.CurrentPlayingIndex(requestID)
	w.orch.CancelFrom(playing+1, requestID)
	w.orch.CancelCurrent(requestID)
	if cancel != nil {
		cancel()
	}
	if err := w.tts.Abort(); err != nil {
		w.logger.Warn("worker: tts abort failed", "ssrc", w.ssrc, "error", err)
	}

	committed := w.orch.CommittedText(requestID)
	w.recordInterruptedTurn(committed)

	w.mu.Lock()
	w.requestID = ""
	w.mu.Unlock()
}

// recordInterruptedTurn logs the committed partial assistant turn's length
// with a structured interrupted=true field (§9 decision (a): no in-band
// text marker). It does not write the text into the LLM provider's
// conversation history.
func (w *Worker) recordInterruptedTurn(committedText string) {
	w.logger.Info("worker: barge-in committed partial turn", "ssrc", w.ssrc, "interrupted", true, "text_len", len(committedText))
}

// onFinal handles a finalized transcription: discard if empty, else reset
// idle state and hand off direct or batched per §4.2, recomputed fresh on
// every Final event.
func (w *Worker) onFinal(ctx context.Context, ev SttEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	utterance := Utterance{
		SpeakerID:   w.session.UserID,
		DisplayName: w.session.DisplayName,
		Text:        text,
		Timestamp:   time.Now(),
	}

	if w.dispatcher.ShouldBatch() {
		if w.batcher != nil {
			w.batcher.Push(utterance)
		}
		return
	}

	// Spawned so the run() select keeps draining sttSession.Events() and
	// w.session.Audio for the whole turn: processText only returns once
	// the LLM stream closes and every TTS goroutine finishes, and the
	// worker must stay able to observe the next SpeechStart (barge-in),
	// idle timeout, and cancellation throughout that time (§5).
	go w.processText(ctx, w.session.UserID, text)
}

// newPipelineContext derives a context that is cancelled when parent is
// cancelled or when the worker itself is stopped, so an in-flight
// processText call observes w.stopped at its next suspension point
// instead of only the (unrelated) outer ctx.
func (w *Worker) newPipelineContext(parent context.Context) (context.Context, context.CancelFunc) {
	pipelineCtx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-w.stopped:
			cancel()
		case <-pipelineCtx.Done():
		}
	}()
	return pipelineCtx, cancel
}

// processText implements process_text(user_id, text) from §4.3: a fresh
// cancellation token, a lazy token sequence from the Agent, sentence
// segmentation, and bounded-concurrency TTS fan-out feeding the
// Orchestrator in generation order.
func (w *Worker) processText(ctx context.Context, userID, text string) {
	w.mu.Lock()
	if w.pipelineCancel != nil {
		// A new Final arrived while the previous turn's pipeline was
		// still draining; abandon it rather than race two turns over
		// nextSegIndex/requestID and the shared Orchestrator.
		w.pipelineCancel()
	}
	pipelineCtx, cancel := w.newPipelineContext(ctx)
	requestID := uuid.NewString()
	w.pipelineCancel = cancel
	w.requestID = requestID
	w.nextSegIndex = 0
	w.mu.Unlock()

	w.orch.Reset(requestID)

	channelID := "voice-" + userID
	tokens, err := w.llm.GenerateStream(pipelineCtx, channelID, text)
	if err != nil {
		w.logger.Warn("worker: llm generate failed", "ssrc", w.ssrc, "error", err)
		cancel()
		return
	}

	seg := NewSegmenter()
	var wg sync.WaitGroup

	for {
		select {
		case <-pipelineCtx.Done():
			wg.Wait()
			return
		case tok, ok := <-tokens:
			if !ok {
				for _, sentence := range seg.Flush() {
					w.spawnTTS(pipelineCtx, &wg, requestID, sentence)
				}
				wg.Wait()
				w.finishRequest(requestID)
				return
			}
			if tok.Err != nil {
				w.logger.Warn("worker: llm token error", "ssrc", w.ssrc, "error", tok.Err)
				continue
			}
			for _, sentence := range seg.Feed(tok.Text) {
				w.spawnTTS(pipelineCtx, &wg, requestID, sentence)
			}
		}
	}
}

func (w *Worker) finishRequest(requestID string) {
	w.mu.Lock()
	last := w.nextSegIndex - 1
	w.mu.Unlock()
	w.orch.Finish(requestID, last)
}

// spawnTTS registers the pending segment, acquires the per-worker
// concurrency permit, and synthesizes (cache-first) in its own
// goroutine, handing the result to the Orchestrator when ready.
func (w *Worker) spawnTTS(ctx context.Context, wg *sync.WaitGroup, requestID, sentence string) {
	w.mu.Lock()
	index := w.nextSegIndex
	w.nextSegIndex++
	w.mu.Unlock()

	w.orch.RegisterPending(index, requestID, sentence)

	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.orch.CancelFrom(index, requestID)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.sem.Release(1)

		audio, err := w.synthesize(ctx, sentence)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("worker: tts synthesize failed", "ssrc", w.ssrc, "error", err)
			}
			w.orch.CancelFrom(index, requestID)
			return
		}
		w.orch.OnReady(index, requestID, audio)
	}()
}

// synthesize implements the TTS job described in §4.5: cache-first,
// coalescing concurrent identical-key requests through the cache's
// LookupOrSynthesize rather than racing the provider.
func (w *Worker) synthesize(ctx context.Context, text string) (TTSAudio, error) {
	voice := w.voice // configured synthesis voice params, fixed for the worker's lifetime

	synthFn := func(ctx context.Context) (TTSAudio, error) {
		pcm, sampleRate, err := w.tts.Synthesize(ctx, text, voice, w.lang)
		if err != nil {
			return TTSAudio{}, err
		}
		return TTSAudio{PCM: pcm, SampleRate: sampleRate, Duration: pcmDuration(len(pcm), sampleRate)}, nil
	}

	if w.cache == nil {
		return synthFn(ctx)
	}
	return w.cache.LookupOrSynthesize(ctx, text, voice, synthFn)
}

func pcmDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func floatPCMToBytesLE(pcm []float32) []byte {
	out := make([]byte, len(pcm)*4)
	for i, f := range pcm {
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
