package voice

import (
	"sync"
	"time"
)

// BargeInController gates the decision of whether an incoming STT
// SpeechStart should actually interrupt the bot. It owns none of the
// cancellation machinery itself (that is the Worker's job, mirroring the
// teacher's ManagedStream.internalInterrupt); it only decides, per §4.7's
// preconditions, whether "now" is a legitimate moment to fire.
type BargeInController struct {
	mu sync.Mutex

	cfg     InterruptConfig
	enabled bool

	pendingSince time.Time // zero when no speech is currently being evaluated
	lastFiredAt  time.Time // zero until the first barge-in ever fires
}

// NewBargeInController builds a controller from the interrupt config and
// the pipeline's interrupt_enabled flag.
func NewBargeInController(cfg InterruptConfig, enabled bool) *BargeInController {
	return &BargeInController{cfg: cfg, enabled: enabled}
}

// SetEnabled updates interrupt_enabled at runtime.
func (b *BargeInController) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Arm is called on an STT SpeechStart event. It returns false immediately
// if interrupting is disabled or the cooldown since the last barge-in has
// not elapsed — in either case the caller should not start a
// minimum-duration timer at all. On true, the caller should start a timer
// for MinSpeechDurationMs and call Confirm when it fires.
func (b *BargeInController) Arm(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return false
	}
	if !b.lastFiredAt.IsZero() && now.Sub(b.lastFiredAt) < b.cooldown() {
		return false
	}
	b.pendingSince = now
	return true
}

// Cancel discards a pending arm, used when SpeechEnd/Cancel arrives
// before the minimum-speech timer elapses: the speech was too short to
// count as an interruption attempt.
func (b *BargeInController) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingSince = time.Time{}
}

// Confirm is called when the minimum-speech timer armed by Arm elapses
// without an intervening Cancel. It returns true exactly once per Arm,
// records the firing time for the next cooldown check, and clears the
// pending state.
func (b *BargeInController) Confirm(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingSince.IsZero() {
		return false
	}
	b.pendingSince = time.Time{}
	b.lastFiredAt = now
	return true
}

func (b *BargeInController) minSpeechDuration() time.Duration {
	return time.Duration(b.cfg.MinSpeechDurationMs) * time.Millisecond
}

func (b *BargeInController) cooldown() time.Duration {
	return time.Duration(b.cfg.CooldownMs) * time.Millisecond
}

// MinSpeechDuration exposes the timer duration callers should use between
// Arm and Confirm.
func (b *BargeInController) MinSpeechDuration() time.Duration {
	return b.minSpeechDuration()
}
