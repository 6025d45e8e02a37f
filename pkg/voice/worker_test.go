package voice

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeSTTSession is a controllable STTSession: the test pushes events onto
// evCh and observes Close() to detect whether the worker's run loop ever
// got back around to tearing the session down.
type fakeSTTSession struct {
	mu     sync.Mutex
	evCh   chan SttEvent
	closed chan struct{}
}

func newFakeSTTSession() *fakeSTTSession {
	return &fakeSTTSession{
		evCh:   make(chan SttEvent, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeSTTSession) Send(frame []byte) error     { return nil }
func (f *fakeSTTSession) Events() <-chan SttEvent      { return f.evCh }
func (f *fakeSTTSession) Control(command string) error { return nil }
func (f *fakeSTTSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type fakeStreamingSTT struct {
	session *fakeSTTSession
}

func (f *fakeStreamingSTT) OpenSession(ctx context.Context, lang Language) (STTSession, error) {
	return f.session, nil
}
func (f *fakeStreamingSTT) Name() string { return "fake-stt" }

// blockingLLM returns a token channel that never produces anything and
// never closes until the test explicitly closes it, simulating an LLM
// generation that is still streaming (or hung) when further STT events
// arrive on the same worker.
type blockingLLM struct {
	tokens chan Token
}

func (l *blockingLLM) GenerateStream(ctx context.Context, channelID, text string) (<-chan Token, error) {
	return l.tokens, nil
}
func (l *blockingLLM) Reset(channelID string) {}
func (l *blockingLLM) Name() string           { return "fake-llm" }

type noopTTS struct{}

func (noopTTS) Synthesize(ctx context.Context, text string, v VoiceParams, lang Language) ([]float32, int, error) {
	return []float32{0}, 16000, nil
}
func (noopTTS) StreamSynthesize(ctx context.Context, text string, v VoiceParams, lang Language, onChunk func([]byte) error) error {
	return nil
}
func (noopTTS) Abort() error { return nil }
func (noopTTS) Name() string { return "fake-tts" }

type noopSink struct{}

func (noopSink) Play(ctx context.Context, pcm []int16) error { return nil }
func (noopSink) Stop() error                                 { return nil }

func newTestWorker(t *testing.T, session *fakeSTTSession, llm LLMProvider) (*Worker, *Dispatcher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Pipeline.ContextWindowAuto = false

	d := NewDispatcher(context.Background(), cfg, func(s *SpeakerSession) WorkerHandle {
		return nil
	}, nil, nil)

	speakerSession := newSpeakerSession(1, "user-1", "Alice", 16)
	orch := NewOrchestrator(noopSink{}, nil)

	w := NewWorker(speakerSession, &fakeStreamingSTT{session: session}, llm, noopTTS{}, nil, d, nil, orch, cfg, LanguageEn, VoiceParams{}, nil)
	return w, d
}

// TestWorkerRunLoopStaysResponsiveDuringProcessText is the regression test
// for the bug where onFinal called processText synchronously inside
// run()'s select loop: a turn whose LLM generation had not finished yet
// (or never would) blocked the worker from ever observing Stop again.
// With processText spawned in its own goroutine, Stop must unblock run()
// (and close the STT session) promptly regardless of what the in-flight
// turn's LLM stream is doing.
func TestWorkerRunLoopStaysResponsiveDuringProcessText(t *testing.T) {
	session := newFakeSTTSession()
	llm := &blockingLLM{tokens: make(chan Token)} // never produces, never closes
	w, _ := newTestWorker(t, session, llm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// Finalized transcription kicks off processText, which will block
	// forever inside its token-receive loop since llm.tokens never
	// produces or closes.
	session.evCh <- SttEvent{Type: SttFinal, Text: "hello there"}

	// Give the run loop a moment to dispatch the Final event.
	time.Sleep(20 * time.Millisecond)

	w.Stop()

	select {
	case <-session.closed:
		// run() observed w.stopped and returned, closing the STT session
		// even though the spawned processText goroutine is still stuck
		// on the never-closing token channel.
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("worker run loop did not unblock and close the STT session after Stop; " +
			"processText is likely still running synchronously inside the select loop")
	}
}

// TestWorkerProcessTextObservesStoppedContext checks that a pipeline
// context handed to processText is cancelled by w.Stop() directly (not
// only by the outer ctx passed into run()), per the requirement that
// pipelineCtx be derived from w.stopped as well as the parent context.
func TestWorkerProcessTextObservesStoppedContext(t *testing.T) {
	session := newFakeSTTSession()
	llm := &blockingLLM{tokens: make(chan Token)}
	w, _ := newTestWorker(t, session, llm)

	parent := context.Background() // never cancelled by the test itself
	pipelineCtx, cancel := w.newPipelineContext(parent)
	defer cancel()

	w.Stop()

	select {
	case <-pipelineCtx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("pipeline context was not cancelled by w.Stop(), only by its parent")
	}
}
