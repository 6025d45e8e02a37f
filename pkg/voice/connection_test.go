package voice

import (
	"sync"
	"testing"
	"time"
)

// fakeTransport is a minimal Transport used to drive Connection's state
// machine directly from tests, without any real gateway.
type fakeTransport struct {
	mu sync.Mutex

	joinErr    error
	joinCalls  int
	leaveCalls int

	onVoiceState  func(guildID, sessionID string)
	onVoiceServer func(guildID, endpoint, token string)
	onSpeaking    func(ssrc uint32, userID, displayName string)
	onAudio       func(ssrc uint32, pcm []int16)
}

func (f *fakeTransport) RequestJoin(guildID, channelID string) error {
	f.mu.Lock()
	f.joinCalls++
	err := f.joinErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) RequestLeave(guildID string) error {
	f.mu.Lock()
	f.leaveCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnVoiceStateUpdate(cb func(guildID, sessionID string))   { f.onVoiceState = cb }
func (f *fakeTransport) OnVoiceServerUpdate(cb func(guildID, endpoint, token string)) {
	f.onVoiceServer = cb
}
func (f *fakeTransport) OnSpeakingUpdate(cb func(ssrc uint32, userID, displayName string)) {
	f.onSpeaking = cb
}
func (f *fakeTransport) OnAudio(cb func(ssrc uint32, pcm []int16)) { f.onAudio = cb }

func fastConnCfg() ConnectionConfig {
	return ConnectionConfig{
		ConnectTimeoutMs:       30,
		ReconnectIntervalMs:    10,
		ReconnectBackoffMult:   2.0,
		ReconnectMaxIntervalMs: 1000,
		MaxReconnectAttempts:   3,
	}
}

func TestConnectionJoinTransitionsToConnectingThenConnected(t *testing.T) {
	tr := &fakeTransport{}
	c := NewConnection(fastConnCfg(), tr, nil)

	if err := c.Join("g1", "ch1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := c.Snapshot().State; got != StateConnecting {
		t.Fatalf("state after Join = %v, want Connecting", got)
	}

	tr.onVoiceServer("g1", "wss://endpoint", "token")
	if got := c.Snapshot().State; got != StateConnected {
		t.Fatalf("state after server update = %v, want Connected", got)
	}
}

func TestConnectionJoinFromNonDisconnectedIsRejected(t *testing.T) {
	tr := &fakeTransport{}
	c := NewConnection(fastConnCfg(), tr, nil)

	if err := c.Join("g1", "ch1"); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if err := c.Join("g1", "ch1"); err != ErrInvalidTransition {
		t.Fatalf("second Join error = %v, want ErrInvalidTransition", err)
	}
}

func TestConnectionConnectTimeoutForcesDisconnected(t *testing.T) {
	tr := &fakeTransport{}
	cfg := fastConnCfg()
	cfg.ConnectTimeoutMs = 15
	c := NewConnection(cfg, tr, nil)

	if err := c.Join("g1", "ch1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if c.Snapshot().State == StateDisconnected {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("connect timeout never forced Disconnected, state=%v", c.Snapshot().State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectionHandleDisconnectEntersReconnectingAndRetries(t *testing.T) {
	tr := &fakeTransport{}
	cfg := fastConnCfg()
	c := NewConnection(cfg, tr, nil)

	if err := c.Join("g1", "ch1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr.onVoiceServer("g1", "wss://endpoint", "token")
	if got := c.Snapshot().State; got != StateConnected {
		t.Fatalf("state = %v, want Connected", got)
	}

	tr.joinErr = errTransient{}
	c.HandleDisconnect()
	if got := c.Snapshot().State; got != StateReconnecting {
		t.Fatalf("state after disconnect = %v, want Reconnecting", got)
	}

	deadline := time.After(2 * time.Second)
	for {
		tr.mu.Lock()
		calls := tr.joinCalls
		tr.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 reconnect RequestJoin calls, got %d", calls)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectionExhaustingMaxReconnectAttemptsForcesDisconnected(t *testing.T) {
	tr := &fakeTransport{joinErr: errTransient{}}
	cfg := fastConnCfg()
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectIntervalMs = 5
	cfg.ReconnectMaxIntervalMs = 50
	c := NewConnection(cfg, tr, nil)

	if err := c.Join("g1", "ch1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr.onVoiceServer("g1", "wss://endpoint", "token")
	c.HandleDisconnect()

	deadline := time.After(3 * time.Second)
	for {
		if c.Snapshot().State == StateDisconnected {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected reconnect exhaustion to force Disconnected, state=%v attempt=%d",
				c.Snapshot().State, c.Snapshot().Attempt)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectionLeaveFromConnectedResetsToDisconnected(t *testing.T) {
	tr := &fakeTransport{}
	c := NewConnection(fastConnCfg(), tr, nil)

	_ = c.Join("g1", "ch1")
	tr.onVoiceServer("g1", "wss://endpoint", "token")

	if err := c.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got := c.Snapshot().State; got != StateDisconnected {
		t.Fatalf("state after Leave = %v, want Disconnected", got)
	}
	if tr.leaveCalls != 1 {
		t.Fatalf("leaveCalls = %d, want 1", tr.leaveCalls)
	}

	// Leave on an already-Disconnected connection is a no-op, not an error.
	if err := c.Leave(); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if tr.leaveCalls != 1 {
		t.Fatalf("leaveCalls after redundant Leave = %d, want 1", tr.leaveCalls)
	}
}

func TestBackoffDelayGrowsByMultiplierPerAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	if got := backoffDelay(base, 2.0, 1); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v, want 100ms", got)
	}
	if got := backoffDelay(base, 2.0, 2); got != 200*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v, want 200ms", got)
	}
	if got := backoffDelay(base, 2.0, 3); got != 400*time.Millisecond {
		t.Fatalf("attempt 3 delay = %v, want 400ms", got)
	}
}

type errTransient struct{}

func (errTransient) Error() string { return "transient transport error" }
