package voice

import (
	"context"
	"sort"
	"sync"

	"github.com/vocalbridge/voicecore/pkg/audio"
)

// Orchestrator plays synthesized segments strictly in index order even
// though TTS jobs that fill them may complete out of order. One
// Orchestrator belongs to one SpeakerSession; a new request id (minted
// on barge-in or a new turn) resets it.
type Orchestrator struct {
	mu sync.Mutex

	sink   AudioSink
	logger Logger

	requestID      string
	segments       map[int]*Segment
	nextPlayIndex  int
	highestIndex   int
	currentPlaying int

	ready  chan struct{}
	done   chan struct{}
	closed bool
}

// NewOrchestrator builds an Orchestrator bound to sink.
func NewOrchestrator(sink AudioSink, logger Logger) *Orchestrator {
	if logger == nil {
		logger = NoOpLogger{}
	}
	o := &Orchestrator{
		sink:           sink,
		logger:         logger,
		segments:       make(map[int]*Segment),
		ready:          make(chan struct{}, 1),
		done:           make(chan struct{}),
		currentPlaying: -1,
	}
	return o
}

// Reset starts a fresh request, discarding any prior segment bookkeeping.
// Call this at the start of every new LLM turn (and after a barge-in, with
// the new post-interrupt request id).
func (o *Orchestrator) Reset(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestID = requestID
	o.segments = make(map[int]*Segment)
	o.nextPlayIndex = 0
	o.highestIndex = -1
	o.currentPlaying = -1
	o.notifyLocked()
}

// RegisterPending records that segment index belongs to requestID and
// will eventually arrive via OnReady. Call this as soon as the segmenter
// yields a sentence, before TTS synthesis starts, so PlaybackLoop knows
// to wait for it rather than skip past a gap.
func (o *Orchestrator) RegisterPending(index int, requestID, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return
	}
	o.segments[index] = &Segment{Index: index, Text: text, RequestID: requestID, Status: SegmentPending}
	if index > o.highestIndex {
		o.highestIndex = index
	}
}

// OnReady attaches synthesized audio to a previously registered segment
// and wakes the playback loop. Stale (requestID mismatch) results are
// dropped silently.
func (o *Orchestrator) OnReady(index int, requestID string, audio TTSAudio) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return
	}
	seg, ok := o.segments[index]
	if !ok || seg.Status == SegmentCancelled {
		return
	}
	seg.Audio = &audio
	seg.Status = SegmentReady
	o.notifyLocked()
}

// CancelCurrent marks the segment currently Playing for requestID as
// Cancelled and stops the sink immediately. Paired with CancelFrom(playing
// + 1, ...) by the barge-in sequence (§4.7 step 1): CancelFrom alone only
// discards segments strictly after the one in flight, so without this the
// in-flight segment would run to completion and be recorded Done,
// violating the invariant that every segment with index >= the playing
// index is cancelled on interrupt. A no-op if nothing is currently
// playing for requestID.
func (o *Orchestrator) CancelCurrent(requestID string) {
	o.mu.Lock()
	if requestID != o.requestID || o.currentPlaying < 0 {
		o.mu.Unlock()
		return
	}
	seg, ok := o.segments[o.currentPlaying]
	if !ok {
		o.mu.Unlock()
		return
	}
	seg.Status = SegmentCancelled
	o.notifyLocked()
	o.mu.Unlock()

	_ = o.sink.Stop()
}

// CancelFrom marks every segment with index >= from belonging to
// requestID as Cancelled, so the playback loop skips them instead of
// waiting forever. Segments already Done are untouched.
func (o *Orchestrator) CancelFrom(from int, requestID string) {
	o.mu.Lock()
	if requestID != o.requestID {
		o.mu.Unlock()
		return
	}
	playingCancelled := false
	for idx, seg := range o.segments {
		if idx >= from && seg.Status != SegmentDone {
			if seg.Status == SegmentPlaying {
				playingCancelled = true
			}
			seg.Status = SegmentCancelled
		}
	}
	o.notifyLocked()
	o.mu.Unlock()

	// Stop the sink outside the lock: Play() blocks inside PlaybackLoop
	// while holding no lock, so this cannot deadlock, and it guarantees
	// the 200ms cancellation budget is met even while mid-segment.
	if playingCancelled {
		_ = o.sink.Stop()
	}
}

// Finish signals that no further segments will be registered for
// requestID at index > highWaterMark, letting PlaybackLoop stop waiting
// once it reaches that point instead of blocking forever on a segment
// that will never arrive.
func (o *Orchestrator) Finish(requestID string, highWaterMark int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return
	}
	if highWaterMark > o.highestIndex {
		o.highestIndex = highWaterMark
	}
	o.notifyLocked()
}

func (o *Orchestrator) notifyLocked() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Close stops the playback loop permanently.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// PlaybackLoop runs until ctx is cancelled or Close is called. It drives
// segments strictly in index order: a segment must reach Ready or
// Cancelled before the loop advances past it.
func (o *Orchestrator) PlaybackLoop(ctx context.Context) {
	for {
		seg, requestID, ok := o.nextSegment()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.done:
				return
			case <-o.ready:
				continue
			}
		}

		if seg.Status == SegmentCancelled {
			o.advance(requestID)
			continue
		}

		o.markPlaying(requestID, seg.Index)
		err := o.sink.Play(ctx, pcmToI16Stereo48k(seg.Audio))
		if err != nil {
			o.logger.Warn("playback sink error", "segment", seg.Index, "error", err)
		}
		o.markDone(requestID, seg.Index)
		o.advance(requestID)

		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		default:
		}
	}
}

// nextSegment returns the segment at nextPlayIndex if it is Ready or
// Cancelled, or reports ok=false if the caller must wait for more data.
func (o *Orchestrator) nextSegment() (*Segment, string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.nextPlayIndex
	if idx > o.highestIndex {
		return nil, "", false
	}
	seg, exists := o.segments[idx]
	if !exists {
		return nil, "", false
	}
	if seg.Status != SegmentReady && seg.Status != SegmentCancelled {
		return nil, "", false
	}
	return seg, o.requestID, true
}

func (o *Orchestrator) markPlaying(requestID string, index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return
	}
	if seg, ok := o.segments[index]; ok {
		seg.Status = SegmentPlaying
		o.currentPlaying = index
	}
}

func (o *Orchestrator) markDone(requestID string, index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return
	}
	// A concurrent CancelCurrent/CancelFrom may have already marked this
	// segment Cancelled while its Play call was unwinding after Stop();
	// Done must never overwrite that, or an interrupted segment's text
	// would wrongly surface in CommittedText.
	if seg, ok := o.segments[index]; ok && seg.Status != SegmentCancelled {
		seg.Status = SegmentDone
	}
	if o.currentPlaying == index {
		o.currentPlaying = -1
	}
}

// CurrentPlayingIndex returns the index of the segment currently in the
// Playing state for requestID, or -1 if nothing is playing (including
// when requestID is stale). Used by the barge-in sequence to compute
// cancel_from(current_playing_index + 1) precisely instead of guessing.
func (o *Orchestrator) CurrentPlayingIndex(requestID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return -1
	}
	return o.currentPlaying
}

func (o *Orchestrator) advance(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return
	}
	o.nextPlayIndex++
}

// CommittedText returns every Done segment's text in index order, joined
// with single spaces, used as the conversation-history record for a turn that
// may have been interrupted partway through.
func (o *Orchestrator) CommittedText(requestID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID != o.requestID {
		return ""
	}
	indices := make([]int, 0, len(o.segments))
	for idx, seg := range o.segments {
		if seg.Status == SegmentDone {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	var b []byte
	for i, idx := range indices {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, o.segments[idx].Text...)
	}
	return string(b)
}

// pcmToI16Stereo48k resamples and channel-converts a synthesized segment
// to the 48kHz stereo int16 format the audio sink expects. TTS providers
// return mono at their own native rate; this always treats TtsAudio as
// mono, matching every provider adapted into pkg/providers/tts.
func pcmToI16Stereo48k(result *TTSAudio) []int16 {
	if result == nil {
		return nil
	}
	return audio.ToPlaybackFrame(result.PCM, result.SampleRate, 1)
}
