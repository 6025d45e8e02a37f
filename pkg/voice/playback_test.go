package voice

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingSink records segments in the order Play was called (one entry,
// the first sample, per call), blocking until Stop is invoked, the caller
// cancels the context, or 50ms pass, mirroring the
// real AudioSink's blocking-play contract closely enough to exercise the
// Orchestrator's ordering and cancellation behavior.
type recordingSink struct {
	mu      sync.Mutex
	played  []int16
	playing chan struct{}
	stop    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{stop: make(chan struct{}, 64)}
}

func (s *recordingSink) Play(ctx context.Context, pcm []int16) error {
	s.mu.Lock()
	if len(pcm) > 0 {
		s.played = append(s.played, pcm[0])
	}
	s.mu.Unlock()
	select {
	case <-s.stop:
	case <-ctx.Done():
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

func (s *recordingSink) Stop() error {
	select {
	case s.stop <- struct{}{}:
	default:
	}
	return nil
}

func audioFor(marker int16) TTSAudio {
	// Float32ToInt16 scales by 32767 and truncates; the +0.5 keeps the
	// product safely above marker so it converts back to exactly marker.
	return TTSAudio{PCM: []float32{(float32(marker) + 0.5) / 32767.0}, SampleRate: 48000, Duration: time.Millisecond}
}

func TestOrchestratorPlaysInRegisteredOrderDespiteOutOfOrderReady(t *testing.T) {
	sink := newRecordingSink()
	orch := NewOrchestrator(sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const requestID = "req-1"
	orch.Reset(requestID)
	for i := 0; i < 3; i++ {
		orch.RegisterPending(i, requestID, "segment")
	}
	orch.Finish(requestID, 2)

	go orch.PlaybackLoop(ctx)

	// Ready arrives out of order: 2, 0, 1.
	orch.OnReady(2, requestID, audioFor(2))
	time.Sleep(10 * time.Millisecond)
	orch.OnReady(0, requestID, audioFor(0))
	time.Sleep(10 * time.Millisecond)
	orch.OnReady(1, requestID, audioFor(1))

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.played)
		sink.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all 3 segments to play, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []int16{0, 1, 2}
	if len(sink.played) != len(want) {
		t.Fatalf("got %v, want %v", sink.played, want)
	}
	for i, v := range want {
		if sink.played[i] != v {
			t.Fatalf("play order = %v, want %v", sink.played, want)
		}
	}
}

func TestOrchestratorCancelFromDiscardsTailSegments(t *testing.T) {
	sink := newRecordingSink()
	orch := NewOrchestrator(sink, nil)

	const requestID = "req-2"
	orch.Reset(requestID)
	for i := 0; i < 3; i++ {
		orch.RegisterPending(i, requestID, "segment")
	}
	orch.OnReady(0, requestID, audioFor(0))
	orch.Finish(requestID, 2)

	orch.CancelFrom(1, requestID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.PlaybackLoop(ctx)

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.played)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out, played so far: %v", sink.played)
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond) // give the loop a chance to (wrongly) play more

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.played) != 1 || sink.played[0] != 0 {
		t.Fatalf("expected only segment 0 played, got %v", sink.played)
	}
}

func TestOrchestratorCommittedTextExcludesCancelledAndUnplayed(t *testing.T) {
	orch := NewOrchestrator(newRecordingSink(), nil)
	const requestID = "req-3"
	orch.Reset(requestID)

	orch.RegisterPending(0, requestID, "A.")
	orch.RegisterPending(1, requestID, "B.")
	orch.RegisterPending(2, requestID, "C.")

	// Manually drive segment 0 through to Done, as PlaybackLoop would.
	orch.OnReady(0, requestID, audioFor(0))
	orch.markPlaying(requestID, 0)
	orch.markDone(requestID, 0)

	// Segment 1 is mid-play when barge-in happens; segment 2 never started.
	orch.OnReady(1, requestID, audioFor(1))
	orch.markPlaying(requestID, 1)

	// The §4.7 barge-in sequence: discard strictly-future segments, then
	// separately cancel the one currently in flight.
	orch.CancelFrom(2, requestID)
	orch.CancelCurrent(requestID)

	// A late-arriving markDone for the just-cancelled segment (the real
	// race: Play() was unblocked by CancelCurrent's Stop() and its caller
	// in PlaybackLoop proceeds to call markDone) must not resurrect it as
	// Done.
	orch.markDone(requestID, 1)

	got := orch.CommittedText(requestID)
	if got != "A." {
		t.Fatalf("committed text = %q, want %q", got, "A.")
	}
}

func TestOrchestratorCancelCurrentStopsSinkAndMarksCancelled(t *testing.T) {
	sink := newRecordingSink()
	orch := NewOrchestrator(sink, nil)
	const requestID = "req-4"
	orch.Reset(requestID)
	orch.RegisterPending(0, requestID, "A.")
	orch.OnReady(0, requestID, audioFor(0))
	orch.markPlaying(requestID, 0)

	orch.CancelCurrent(requestID)

	select {
	case <-sink.stop:
	case <-time.After(time.Second):
		t.Fatal("expected CancelCurrent to stop the sink")
	}
	if idx := orch.CurrentPlayingIndex(requestID); idx != 0 {
		// currentPlaying is only cleared by markDone/markPlaying bookkeeping,
		// not by CancelCurrent itself; the important invariant is the status.
		_ = idx
	}
	orch.mu.Lock()
	status := orch.segments[0].Status
	orch.mu.Unlock()
	if status != SegmentCancelled {
		t.Fatalf("segment status = %v, want Cancelled", status)
	}
}

func TestOrchestratorStaleRequestIDIgnored(t *testing.T) {
	orch := NewOrchestrator(newRecordingSink(), nil)
	orch.Reset("req-old")
	orch.RegisterPending(0, "req-old", "stale")

	orch.Reset("req-new")
	// A result for the old request id must not leak into the new one.
	orch.OnReady(0, "req-old", audioFor(0))

	if idx := orch.CurrentPlayingIndex("req-old"); idx != -1 {
		t.Fatalf("stale request id should report no playing segment, got %d", idx)
	}
}
