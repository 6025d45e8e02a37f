// Package ttscache implements the content-addressed TTS synthesis cache:
// a SQLite-backed store keyed by a SHA-256 hash of the canonicalized
// (text, voice params) pair, holding Opus-encoded audio and evicted by
// LRU or TTL once it grows past its configured bounds.
package ttscache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

// Store is the SQLite-backed implementation of voice.TTSCache.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger voice.Logger

	cfg voice.CacheConfig

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall
}

// inflightCall coalesces every caller waiting on the same in-flight cache
// key: exactly one of them runs synth (guarded by once), and every
// waiter — not just the first to observe completion — reads the same
// stored result off done closing. Cleanup only removes the entry once
// the last waiter has read it, so a slow waiter can never race a fast
// one into falling back to a fresh Lookup that reports a spurious miss.
type inflightCall struct {
	once    sync.Once
	done    chan struct{}
	waiters int
	result  inflightResult
}

type inflightResult struct {
	audio voice.TTSAudio
	err   error
}

// Open creates or opens the cache database at cfg.DBPath and runs the
// schema migration.
func Open(cfg voice.CacheConfig, logger voice.Logger) (*Store, error) {
	if logger == nil {
		logger = voice.NoOpLogger{}
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("ttscache: open database: %w", err)
	}
	s := &Store{
		db:        db,
		logger:    logger,
		cfg:       cfg,
		inflight:  make(map[string]*inflightCall),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ttscache: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tts_cache (
		cache_key TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		model TEXT,
		speed REAL,
		style_id TEXT,
		speaker_id TEXT,
		pitch REAL,
		audio_format TEXT NOT NULL DEFAULT 'opus',
		audio_data BLOB NOT NULL,
		duration_ms REAL NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		use_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tts_cache_last_used ON tts_cache(last_used_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CacheKey canonicalizes (text, voice) into the fixed field order the
// schema expects, then hashes it with SHA-256.
func CacheKey(text string, v voice.VoiceParams) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteByte('\x00')
	b.WriteString(v.Model)
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatFloat(v.Speed, 'f', -1, 64))
	b.WriteByte('\x00')
	b.WriteString(v.StyleID)
	b.WriteByte('\x00')
	b.WriteString(v.SpeakerID)
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatFloat(v.Pitch, 'f', -1, 64))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Lookup implements voice.TTSCache. A hit is followed by a separate
// UPDATE that sets last_used_at and increments use_count in SQL
// (use_count = use_count + 1), so concurrent hits do not overwrite each
// other's count with a stale value read in Go.
func (s *Store) Lookup(ctx context.Context, text string, v voice.VoiceParams) (voice.TTSAudio, bool, error) {
	key := CacheKey(text, v)

	s.mu.RLock()
	row := s.db.QueryRowContext(ctx, `
		SELECT audio_data, duration_ms FROM tts_cache WHERE cache_key = ?
	`, key)

	var opus []byte
	var durationMs float64
	err := row.Scan(&opus, &durationMs)
	s.mu.RUnlock()

	if err == sql.ErrNoRows {
		return voice.TTSAudio{}, false, nil
	}
	if err != nil {
		return voice.TTSAudio{}, false, fmt.Errorf("ttscache: lookup: %w", err)
	}

	now := time.Now().UnixMilli()
	s.mu.Lock()
	_, updErr := s.db.ExecContext(ctx, `
		UPDATE tts_cache SET last_used_at = ?, use_count = use_count + 1 WHERE cache_key = ?
	`, now, key)
	s.mu.Unlock()
	if updErr != nil {
		s.logger.Warn("ttscache: failed to update use stats", "error", updErr)
	}

	pcm, sampleRate, err := decodeOpus(opus)
	if err != nil {
		return voice.TTSAudio{}, false, fmt.Errorf("ttscache: decode opus: %w", err)
	}
	audio := voice.TTSAudio{
		PCM:        pcm,
		SampleRate: sampleRate,
		Duration:   time.Duration(durationMs * float64(time.Millisecond)),
	}
	return audio, true, nil
}

// Insert implements voice.TTSCache via INSERT OR REPLACE, and runs
// eviction opportunistically afterward.
func (s *Store) Insert(ctx context.Context, text string, v voice.VoiceParams, audio voice.TTSAudio) error {
	key := CacheKey(text, v)
	opus, err := encodeOpus(audio.PCM, audio.SampleRate)
	if err != nil {
		return fmt.Errorf("ttscache: encode opus: %w", err)
	}

	now := time.Now().UnixMilli()
	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tts_cache
			(cache_key, text, model, speed, style_id, speaker_id, pitch, audio_format, audio_data, duration_ms, created_at, last_used_at, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'opus', ?, ?, ?, ?, COALESCE((SELECT use_count FROM tts_cache WHERE cache_key = ?), 0))
	`, key, text, v.Model, v.Speed, v.StyleID, v.SpeakerID, v.Pitch, opus, float64(audio.Duration)/float64(time.Millisecond), now, now, key)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ttscache: insert: %w", err)
	}

	go s.evictOpportunistic()
	return nil
}

// evictOpportunistic runs Evict in the background and logs failures,
// matching the "runs periodically or opportunistically after insert"
// policy; callers that want a synchronous guarantee use Evict directly.
func (s *Store) evictOpportunistic() {
	if err := s.Evict(context.Background()); err != nil {
		s.logger.Warn("ttscache: opportunistic eviction failed", "error", err)
	}
}

// Evict deletes entries in ascending last_used_at order until both
// max_entries and max_total_size_mb are satisfied, and (for the ttl
// policy) deletes anything older than ttl_days regardless of size.
func (s *Store) Evict(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.EvictionPolicy == voice.EvictionTTL && s.cfg.TTLDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.TTLDays).UnixMilli()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tts_cache WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("ttl eviction: %w", err)
		}
	}

	for {
		var count int
		var totalBytes int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(audio_data)), 0) FROM tts_cache`).Scan(&count, &totalBytes); err != nil {
			return fmt.Errorf("size check: %w", err)
		}
		maxBytes := int64(s.cfg.MaxTotalSizeMB) * 1024 * 1024
		if count <= s.cfg.MaxEntries && totalBytes <= maxBytes {
			return nil
		}
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tts_cache WHERE cache_key IN (
				SELECT cache_key FROM tts_cache ORDER BY last_used_at ASC LIMIT 1
			)
		`)
		if err != nil {
			return fmt.Errorf("lru eviction: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return nil
		}
	}
}

// RunCleanup blocks, running Evict every cleanup_interval_hours until ctx
// is cancelled.
func (s *Store) RunCleanup(ctx context.Context) {
	interval := time.Duration(s.cfg.CleanupIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Evict(ctx); err != nil {
				s.logger.Warn("ttscache: periodic eviction failed", "error", err)
			}
		}
	}
}

// LookupOrSynthesize coalesces concurrent requests for the same cache key
// (§9 decision (c): de-duplication is required) using a per-key
// sync.Once, so N simultaneous identical synthesis requests invoke
// synth exactly once.
func (s *Store) LookupOrSynthesize(ctx context.Context, text string, v voice.VoiceParams, synth func(context.Context) (voice.TTSAudio, error)) (voice.TTSAudio, error) {
	if audio, ok, err := s.Lookup(ctx, text, v); err == nil && ok {
		return audio, nil
	}

	key := CacheKey(text, v)

	s.inflightMu.Lock()
	call, exists := s.inflight[key]
	if !exists {
		call = &inflightCall{done: make(chan struct{})}
		s.inflight[key] = call
	}
	call.waiters++
	s.inflightMu.Unlock()

	call.once.Do(func() {
		audio, err := synth(ctx)
		if err == nil {
			if insErr := s.Insert(ctx, text, v, audio); insErr != nil {
				s.logger.Warn("ttscache: insert after synth failed", "error", insErr)
			}
		}
		call.result = inflightResult{audio: audio, err: err}
		close(call.done)
	})

	<-call.done

	s.inflightMu.Lock()
	call.waiters--
	if call.waiters == 0 {
		delete(s.inflight, key)
	}
	s.inflightMu.Unlock()

	return call.result.audio, call.result.err
}
