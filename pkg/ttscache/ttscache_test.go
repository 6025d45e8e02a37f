package ttscache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

func newTestStore(t *testing.T, cfg voice.CacheConfig) *Store {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = ":memory:"
	}
	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAudio() voice.TTSAudio {
	pcm := make([]float32, 960) // 20ms @ 48kHz mono
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = 0.25
		} else {
			pcm[i] = -0.25
		}
	}
	return voice.TTSAudio{PCM: pcm, SampleRate: 48000, Duration: 20 * time.Millisecond}
}

func TestCacheKeyIsStableAndDistinguishesParams(t *testing.T) {
	v1 := voice.VoiceParams{Model: "m1", Speed: 1.0, StyleID: "s1", SpeakerID: "sp1", Pitch: 0}
	v2 := v1
	v2.Pitch = 1.0

	k1a := CacheKey("hello", v1)
	k1b := CacheKey("hello", v1)
	if k1a != k1b {
		t.Fatalf("CacheKey must be deterministic for identical inputs: %q != %q", k1a, k1b)
	}

	k2 := CacheKey("hello", v2)
	if k1a == k2 {
		t.Fatalf("CacheKey must distinguish differing voice params")
	}

	k3 := CacheKey("goodbye", v1)
	if k1a == k3 {
		t.Fatalf("CacheKey must distinguish differing text")
	}
}

func TestStoreInsertThenLookupRoundTrips(t *testing.T) {
	s := newTestStore(t, voice.CacheConfig{MaxEntries: 100, MaxTotalSizeMB: 100, EvictionPolicy: voice.EvictionLRU})
	ctx := context.Background()
	v := voice.VoiceParams{Model: "m1", Speed: 1.0}
	audio := sampleAudio()

	if err := s.Insert(ctx, "hello world", v, audio); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := s.Lookup(ctx, "hello world", v)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit after Insert")
	}
	if got.SampleRate != audio.SampleRate {
		t.Fatalf("SampleRate = %d, want %d", got.SampleRate, audio.SampleRate)
	}
	if got.Duration != audio.Duration {
		t.Fatalf("Duration = %v, want %v", got.Duration, audio.Duration)
	}
	// Opus is lossy, so the round-tripped PCM is not expected to be
	// bytewise identical; only its presence is checked.
	if len(got.PCM) == 0 {
		t.Fatalf("expected non-empty decoded PCM")
	}
}

func TestStoreLookupMissReturnsFalse(t *testing.T) {
	s := newTestStore(t, voice.CacheConfig{MaxEntries: 100, MaxTotalSizeMB: 100})
	_, ok, err := s.Lookup(context.Background(), "never inserted", voice.VoiceParams{})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected cache miss for a key never inserted")
	}
}

func TestStoreEvictRespectsMaxEntries(t *testing.T) {
	s := newTestStore(t, voice.CacheConfig{MaxEntries: 2, MaxTotalSizeMB: 100, EvictionPolicy: voice.EvictionLRU})
	ctx := context.Background()
	v := voice.VoiceParams{Model: "m1"}
	audio := sampleAudio()

	for _, text := range []string{"one", "two", "three"} {
		if err := s.Insert(ctx, text, v, audio); err != nil {
			t.Fatalf("Insert(%q): %v", text, err)
		}
		// Give distinct last_used_at/created_at ordering.
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.Evict(ctx); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	if _, ok, _ := s.Lookup(ctx, "one", v); ok {
		t.Fatalf("expected the oldest entry ('one') to have been evicted")
	}
	if _, ok, _ := s.Lookup(ctx, "three", v); !ok {
		t.Fatalf("expected the most recent entry ('three') to survive eviction")
	}
}

func TestStoreLookupOrSynthesizeCoalescesConcurrentIdenticalKeys(t *testing.T) {
	s := newTestStore(t, voice.CacheConfig{MaxEntries: 100, MaxTotalSizeMB: 100, EvictionPolicy: voice.EvictionLRU})
	ctx := context.Background()
	v := voice.VoiceParams{Model: "m1"}

	var calls int32
	synth := func(ctx context.Context) (voice.TTSAudio, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return sampleAudio(), nil
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.LookupOrSynthesize(ctx, "concurrent text", v, synth)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("synth called %d times, want exactly 1 for identical concurrent keys", got)
	}
}

func TestStoreLookupOrSynthesizeConcurrentCallersAllSeeSynthError(t *testing.T) {
	s := newTestStore(t, voice.CacheConfig{MaxEntries: 100, MaxTotalSizeMB: 100})
	ctx := context.Background()
	v := voice.VoiceParams{Model: "m1"}
	wantErr := errors.New("synth failed")

	var calls int32
	synth := func(ctx context.Context) (voice.TTSAudio, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return voice.TTSAudio{}, wantErr
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.LookupOrSynthesize(ctx, "concurrent failing text", v, synth)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Fatalf("goroutine %d: err = %v, want every waiter to observe %v (not a silent cache miss)", i, err, wantErr)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("synth called %d times, want exactly 1 for identical concurrent keys", got)
	}
}

func TestStoreLookupOrSynthesizePropagatesSynthError(t *testing.T) {
	s := newTestStore(t, voice.CacheConfig{MaxEntries: 100, MaxTotalSizeMB: 100})
	wantErr := errors.New("synth failed")
	_, err := s.LookupOrSynthesize(context.Background(), "will fail", voice.VoiceParams{}, func(ctx context.Context) (voice.TTSAudio, error) {
		return voice.TTSAudio{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestStoreLookupOrSynthesizeHitsCacheWithoutCallingSynth(t *testing.T) {
	s := newTestStore(t, voice.CacheConfig{MaxEntries: 100, MaxTotalSizeMB: 100})
	ctx := context.Background()
	v := voice.VoiceParams{Model: "m1"}
	if err := s.Insert(ctx, "precomputed", v, sampleAudio()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	called := false
	_, err := s.LookupOrSynthesize(ctx, "precomputed", v, func(ctx context.Context) (voice.TTSAudio, error) {
		called = true
		return voice.TTSAudio{}, nil
	})
	if err != nil {
		t.Fatalf("LookupOrSynthesize: %v", err)
	}
	if called {
		t.Fatalf("expected a pre-existing cache entry to short-circuit synth")
	}
}
