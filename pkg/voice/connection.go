package voice

import (
	"context"
	"sync"
	"time"
)

// ConnState is one node of the voice connection state machine.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnSnapshot is an immutable view of the connection's current state,
// returned by Connection.Snapshot for callers that only need to read it.
type ConnSnapshot struct {
	State         ConnState
	Guild         string
	Channel       string
	StartedAt     time.Time
	ConnectedAt   time.Time
	Attempt       int
	MaxAttempts   int
	LastAttemptAt time.Time
}

// Connection drives the voice-connection state machine described in §4.1:
// Disconnected, Connecting, Connected, Reconnecting. It does not itself
// speak to any gateway; Transport implementations call into it as network
// events arrive.
type Connection struct {
	mu     sync.Mutex
	state  ConnState
	guild  string
	chanID string

	startedAt     time.Time
	connectedAt   time.Time
	attempt       int
	lastAttemptAt time.Time

	cfg       ConnectionConfig
	logger    Logger
	transport Transport

	reconnectTimer *time.Timer
	connectTimer   *time.Timer
}

// NewConnection builds a Connection in the Disconnected state.
func NewConnection(cfg ConnectionConfig, transport Transport, logger Logger) *Connection {
	if logger == nil {
		logger = NoOpLogger{}
	}
	c := &Connection{
		state:     StateDisconnected,
		cfg:       cfg,
		logger:    logger,
		transport: transport,
	}
	if transport != nil {
		transport.OnVoiceStateUpdate(c.onVoiceStateUpdate)
		transport.OnVoiceServerUpdate(c.onVoiceServerUpdate)
	}
	return c
}

// Snapshot returns the current state under lock.
func (c *Connection) Snapshot() ConnSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnSnapshot{
		State:         c.state,
		Guild:         c.guild,
		Channel:       c.chanID,
		StartedAt:     c.startedAt,
		ConnectedAt:   c.connectedAt,
		Attempt:       c.attempt,
		MaxAttempts:   c.cfg.MaxReconnectAttempts,
		LastAttemptAt: c.lastAttemptAt,
	}
}

func (c *Connection) transition(to ConnState) {
	from := c.state
	c.state = to
	c.logger.Info("voice connection transition", "from", from, "to", to, "guild", c.guild, "channel", c.chanID)
}

// Join moves Disconnected -> Connecting and asks the transport to request
// a gateway join. It starts a connect-timeout timer that forces the state
// back to Disconnected if Connected is not reached in time.
func (c *Connection) Join(guildID, channelID string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.guild = guildID
	c.chanID = channelID
	c.startedAt = time.Now()
	c.transition(StateConnecting)
	c.armConnectTimeout()
	c.mu.Unlock()

	if c.transport == nil {
		return nil
	}
	return c.transport.RequestJoin(guildID, channelID)
}

func (c *Connection) armConnectTimeout() {
	c.stopConnectTimerLocked()
	d := c.cfg.connectTimeout()
	c.connectTimer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.transition(StateDisconnected)
		}
		c.mu.Unlock()
	})
}

func (c *Connection) stopConnectTimerLocked() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

// Leave requests disconnection from any non-Disconnected state.
func (c *Connection) Leave() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.stopConnectTimerLocked()
	c.stopReconnectTimerLocked()
	guild := c.guild
	c.transition(StateDisconnected)
	c.mu.Unlock()

	if c.transport == nil {
		return nil
	}
	return c.transport.RequestLeave(guild)
}

// onVoiceStateUpdate is called by the transport once the gateway supplies
// the session id for our join request (Connecting -> Connected is only
// completed once onVoiceServerUpdate also lands; both are required to have
// a usable voice endpoint).
func (c *Connection) onVoiceStateUpdate(guildID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guildID != c.guild {
		return
	}
	// session id alone is not sufficient to become Connected; endpoint
	// arrives via onVoiceServerUpdate. Nothing to transition here, but we
	// keep the hook for parity with the two-event gateway handshake.
}

func (c *Connection) onVoiceServerUpdate(guildID, endpoint, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guildID != c.guild {
		return
	}
	if c.state != StateConnecting && c.state != StateReconnecting {
		return
	}
	c.stopConnectTimerLocked()
	c.stopReconnectTimerLocked()
	c.connectedAt = time.Now()
	c.attempt = 0
	c.transition(StateConnected)
}

// HandleDisconnect is called by the transport when the underlying socket
// drops unexpectedly while Connected. It begins the Reconnecting sequence.
func (c *Connection) HandleDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	c.attempt = 1
	c.lastAttemptAt = time.Now()
	c.transition(StateReconnecting)
	c.scheduleReconnectLocked()
}

func (c *Connection) scheduleReconnectLocked() {
	if c.attempt > c.cfg.MaxReconnectAttempts {
		c.transition(StateDisconnected)
		return
	}
	delay := backoffDelay(c.cfg.reconnectInterval(), c.cfg.ReconnectBackoffMult, c.attempt)
	if max := c.cfg.reconnectMaxInterval(); max > 0 && delay > max {
		delay = max
	}
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
}

func (c *Connection) attemptReconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	guild, channel := c.guild, c.chanID
	c.mu.Unlock()

	var err error
	if c.transport != nil {
		err = c.transport.RequestJoin(guild, channel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReconnecting {
		return
	}
	if err != nil {
		c.attempt++
		c.lastAttemptAt = time.Now()
		c.scheduleReconnectLocked()
		return
	}
	// Wait for onVoiceServerUpdate to complete the transition; if it
	// never arrives, the next reconnect attempt still fires since we
	// re-arm the timer here defensively.
	c.attempt++
	c.lastAttemptAt = time.Now()
	c.scheduleReconnectLocked()
}

func (c *Connection) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// backoffDelay computes reconnect_interval_ms * backoff_multiplier^(attempt-1).
func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := 1.0
	for i := 1; i < attempt; i++ {
		mult *= multiplier
	}
	return time.Duration(float64(base) * mult)
}

// Context returns a cancellable child of parent. It is not tied to the
// connection's state: a transition to Disconnected does not cancel it;
// only the returned CancelFunc or the cancellation of parent ends it.
func (c *Connection) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}
