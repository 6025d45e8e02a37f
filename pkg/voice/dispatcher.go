package voice

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vocalbridge/voicecore/pkg/audio"
)

// WorkerHandle is the subset of Worker the Dispatcher needs to drive: feed
// it audio, start/stop its lifetime. Kept as an interface (rather than a
// direct dependency on *Worker) so dispatcher tests can substitute a
// fake, mirroring the teacher's preference for small collaborator
// interfaces over concrete types.
type WorkerHandle interface {
	Start(ctx context.Context)
	Feed(pcm []float32)
	Stop()
}

// WorkerFactory builds the worker owning one SpeakerSession.
type WorkerFactory func(session *SpeakerSession) WorkerHandle

// Dispatcher maps incoming per-SSRC audio to pipeline workers, enforces
// max_concurrent_stt with least-recently-spoken eviction, and decides per
// finalized utterance whether it goes straight to a worker's own Agent
// call or into the shared Batcher (§4.2).
type Dispatcher struct {
	mu sync.Mutex

	sessions   map[uint32]*SpeakerSession
	workers    map[uint32]WorkerHandle
	speakers   map[uint32]speakerMeta
	resamplers map[uint32]*audio.PolyphaseResampler

	maxConcurrentStt int
	contextAuto      bool
	sttSampleRate    int
	audioBufSize     int

	newWorker WorkerFactory
	batcher   *Batcher
	logger    Logger

	ctx context.Context
}

type speakerMeta struct {
	userID      string
	displayName string
}

const defaultAudioQueueSize = 256

// NewDispatcher builds a Dispatcher. ctx bounds the lifetime of every
// worker it creates.
func NewDispatcher(ctx context.Context, cfg Config, newWorker WorkerFactory, batcher *Batcher, logger Logger) *Dispatcher {
	if logger == nil {
		logger = NoOpLogger{}
	}
	sttRate := cfg.Audio.SttSampleRate
	if sttRate <= 0 {
		sttRate = 16000
	}
	return &Dispatcher{
		sessions:         make(map[uint32]*SpeakerSession),
		workers:          make(map[uint32]WorkerHandle),
		speakers:         make(map[uint32]speakerMeta),
		resamplers:       make(map[uint32]*audio.PolyphaseResampler),
		maxConcurrentStt: cfg.STT.MaxConcurrentStt,
		contextAuto:      cfg.Pipeline.ContextWindowAuto,
		sttSampleRate:    sttRate,
		audioBufSize:     defaultAudioQueueSize,
		newWorker:        newWorker,
		batcher:          batcher,
		logger:           logger,
		ctx:              ctx,
	}
}

// HandleAudio implements the Dispatcher's §4.2 public contract: it
// downmixes a 48kHz stereo f32 chunk to mono and resamples it down to the
// STT sample rate through a per-SSRC anti-aliasing polyphase filter,
// routes it to the worker owning ssrc, lazily creating a session/worker
// if this is the first chunk seen for it, and evicting the
// least-recently-spoken session first if the dispatcher is already at
// max_concurrent_stt.
func (d *Dispatcher) HandleAudio(ssrc uint32, pcm48kStereo []float32) error {
	mono48k := audio.StereoToMonoF32(pcm48kStereo)

	d.mu.Lock()
	sess, exists := d.sessions[ssrc]
	if !exists {
		if len(d.sessions) >= d.maxConcurrentStt {
			if !d.evictOneLocked() {
				d.mu.Unlock()
				return ErrConcurrencyCapped
			}
		}
		meta := d.speakers[ssrc]
		if meta.userID == "" {
			meta.userID = speakerFallbackID(ssrc)
		}
		if meta.displayName == "" {
			meta.displayName = meta.userID
		}
		sess = newSpeakerSession(ssrc, meta.userID, meta.displayName, d.audioBufSize)
		d.sessions[ssrc] = sess
		d.resamplers[ssrc] = audio.NewPolyphaseResampler(48000, d.sttSampleRate)
		worker := d.newWorker(sess)
		d.workers[ssrc] = worker
		d.logger.Info("dispatcher: worker created", "ssrc", ssrc, "user", meta.userID, "active", len(d.sessions))
		d.notifyActiveSessionsLocked()
		worker.Start(d.ctx)
	}
	worker := d.workers[ssrc]
	resampler := d.resamplers[ssrc]
	sess.touch()
	d.mu.Unlock()

	pcm := resampler.Resample(mono48k)
	worker.Feed(pcm)
	return nil
}

// HandleSpeakingUpdate records (or updates) the SSRC->user mapping a
// transport's speaking events supply, ahead of any audio arriving, so a
// lazily-created session is born with the right identity.
func (d *Dispatcher) HandleSpeakingUpdate(ssrc uint32, userID, displayName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speakers[ssrc] = speakerMeta{userID: userID, displayName: displayName}
	if sess, ok := d.sessions[ssrc]; ok {
		sess.mu.Lock()
		sess.UserID = userID
		sess.DisplayName = displayName
		sess.mu.Unlock()
	}
}

func speakerFallbackID(ssrc uint32) string {
	const hextable = "0123456789abcdef"
	b := [8]byte{}
	for i := 7; i >= 0; i-- {
		b[i] = hextable[ssrc&0xf]
		ssrc >>= 4
	}
	return "ssrc-" + string(b[:])
}

// evictOneLocked evicts the session with the oldest LastSpoken timestamp.
// Caller must hold d.mu. Returns false if there was nothing to evict.
func (d *Dispatcher) evictOneLocked() bool {
	if len(d.sessions) == 0 {
		return false
	}
	type cand struct {
		ssrc uint32
		last int64
	}
	cands := make([]cand, 0, len(d.sessions))
	for ssrc, sess := range d.sessions {
		cands = append(cands, cand{ssrc: ssrc, last: sess.LastSpoken().UnixNano()})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].last < cands[j].last })
	victim := cands[0].ssrc
	d.removeSessionLocked(victim)
	d.logger.Info("dispatcher: evicted speaker session (LRS)", "ssrc", victim)
	return true
}

// removeSessionLocked stops and forgets the session for ssrc. Caller must
// hold d.mu.
func (d *Dispatcher) removeSessionLocked(ssrc uint32) {
	if w, ok := d.workers[ssrc]; ok {
		w.Stop()
		delete(d.workers, ssrc)
	}
	delete(d.sessions, ssrc)
	delete(d.resamplers, ssrc)
	d.notifyActiveSessionsLocked()
}

// RemoveSession is called by a worker (via its Stop callback wiring) when
// it stops itself due to idle timeout or STT end-of-stream, so the
// dispatcher's bookkeeping does not retain a dead entry.
func (d *Dispatcher) RemoveSession(ssrc uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, ssrc) // the worker has already stopped itself
	d.removeSessionLocked(ssrc)
}

func (d *Dispatcher) notifyActiveSessionsLocked() {
	if d.batcher != nil {
		d.batcher.SetActiveSessions(len(d.sessions))
	}
}

// ShouldBatch reports whether a just-finalized utterance should be routed
// to the shared Batcher rather than straight to its worker's own Agent
// call. Recomputed per utterance, never cached, per §4.2.
func (d *Dispatcher) ShouldBatch() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions) >= 2 && d.contextAuto
}

// ActiveCount returns the current number of live SpeakerSessions.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Stop tears down every worker concurrently, waiting for every Stop call
// to return before clearing bookkeeping.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	workers := make([]WorkerHandle, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.sessions = make(map[uint32]*SpeakerSession)
	d.workers = make(map[uint32]WorkerHandle)
	d.resamplers = make(map[uint32]*audio.PolyphaseResampler)
	d.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	d.notifyActiveSessionsLocked()
	d.mu.Unlock()
}
