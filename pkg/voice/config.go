package voice

import "time"

// Config is the full set of tunables for the voice core. Loading it from a
// file is an explicitly out-of-scope collaborator; callers build it in
// code, typically starting from DefaultConfig.
type Config struct {
	Pipeline   PipelineConfig
	STT        STTConfig
	Cache      CacheConfig
	Interrupt  InterruptConfig
	Connection ConnectionConfig
	Audio      AudioConfig
}

type PipelineConfig struct {
	InterruptEnabled      bool
	ContextWindowMs       int
	ContextWindowAuto     bool
	SilenceTimeoutSecs    int // 0 disables
	MaxConcurrentRequests int
}

type STTConfig struct {
	Endpoint             string
	ReconnectIntervalMs  int
	MaxReconnectAttempts int
	MaxConcurrentStt     int
}

type CacheEvictionPolicy string

const (
	EvictionLRU CacheEvictionPolicy = "lru"
	EvictionTTL CacheEvictionPolicy = "ttl"
)

type CacheConfig struct {
	Enabled              bool
	DBPath               string
	MaxEntries           int
	MaxTotalSizeMB       int
	EvictionPolicy       CacheEvictionPolicy
	TTLDays              int
	CleanupIntervalHours int
}

type InterruptConfig struct {
	MinSpeechDurationMs int
	CooldownMs          int
}

type ConnectionConfig struct {
	ConnectTimeoutMs       int
	ReconnectIntervalMs    int
	ReconnectBackoffMult   float64
	ReconnectMaxIntervalMs int
	MaxReconnectAttempts   int
}

type AudioConfig struct {
	InputSampleRate    int
	SttSampleRate      int
	PlaybackPrebufferMs int
}

// DefaultConfig mirrors the defaults named throughout the component
// descriptions: max_concurrent_stt=4, connect_timeout_ms=10s,
// min_speech_duration_ms=200, cooldown_ms=500, context_window_ms=2000,
// cleanup_interval_hours=24.
func DefaultConfig() Config {
	return Config{
		Pipeline: PipelineConfig{
			InterruptEnabled:      true,
			ContextWindowMs:       2000,
			ContextWindowAuto:     true,
			SilenceTimeoutSecs:    300,
			MaxConcurrentRequests: 3,
		},
		STT: STTConfig{
			Endpoint:             "",
			ReconnectIntervalMs:  500,
			MaxReconnectAttempts: 5,
			MaxConcurrentStt:     4,
		},
		Cache: CacheConfig{
			Enabled:              true,
			DBPath:               "voice_tts_cache.db",
			MaxEntries:           10000,
			MaxTotalSizeMB:       500,
			EvictionPolicy:       EvictionLRU,
			TTLDays:              30,
			CleanupIntervalHours: 24,
		},
		Interrupt: InterruptConfig{
			MinSpeechDurationMs: 200,
			CooldownMs:          500,
		},
		Connection: ConnectionConfig{
			ConnectTimeoutMs:       10000,
			ReconnectIntervalMs:    1000,
			ReconnectBackoffMult:   2.0,
			ReconnectMaxIntervalMs: 30000,
			MaxReconnectAttempts:   5,
		},
		Audio: AudioConfig{
			InputSampleRate:     48000,
			SttSampleRate:       16000,
			PlaybackPrebufferMs: 100,
		},
	}
}

func (c ConnectionConfig) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c ConnectionConfig) reconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

func (c ConnectionConfig) reconnectMaxInterval() time.Duration {
	if c.ReconnectMaxIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.ReconnectMaxIntervalMs) * time.Millisecond
}
