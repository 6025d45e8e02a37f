// Package localmic adapts a duplex malgo audio device (the host
// machine's own microphone and speakers) to voice.Transport, so the core
// pipeline can be driven without a Discord guild for local testing and
// demos. It carries exactly one synthetic SSRC, since a single physical
// microphone has no per-speaker demultiplexing to do.
package localmic

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vocalbridge/voicecore/pkg/audio"
	"github.com/vocalbridge/voicecore/pkg/voice"
)

// LocalSSRC is the single synthetic SSRC this transport ever reports.
const LocalSSRC uint32 = 1

const deviceSampleRate = 44100

// Transport implements voice.Transport over one malgo duplex device,
// mirroring the onSamples capture/playback-buffer shape the teacher's
// cmd/agent/main.go wires directly into main, generalized behind the
// Transport interface so it plugs into the same Dispatcher/Connection
// wiring the Discord transport uses.
type Transport struct {
	userID      string
	displayName string

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	onVoiceState  func(guildID, sessionID string)
	onVoiceServer func(guildID, endpoint, token string)
	onSpeaking    func(ssrc uint32, userID, displayName string)
	onAudio       func(ssrc uint32, pcm []int16)

	playbackMu sync.Mutex
	playback   []byte
	closeOnce  sync.Once
	stopped    chan struct{}
}

// New builds a localmic Transport. userID/displayName label the single
// synthetic speaker in batched multi-speaker prompts and logs; they are
// arbitrary since there is exactly one local microphone.
func New(userID, displayName string) *Transport {
	return &Transport{
		userID:      userID,
		displayName: displayName,
		stopped:     make(chan struct{}),
	}
}

// RequestJoin initializes the malgo context/device and starts capture and
// playback. guildID/channelID are ignored; there is no gateway to join.
// It synthesizes the VoiceStateUpdate/VoiceServerUpdate pair immediately
// since a local device is "connected" the instant it starts.
func (t *Transport) RequestJoin(guildID, channelID string) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("localmic: init context: %w", err)
	}
	t.mctx = mctx

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = deviceSampleRate

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: t.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return fmt.Errorf("localmic: init device: %w", err)
	}
	t.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return fmt.Errorf("localmic: start device: %w", err)
	}

	if t.onSpeaking != nil {
		t.onSpeaking(LocalSSRC, t.userID, t.displayName)
	}
	if t.onVoiceState != nil {
		t.onVoiceState(guildID, "local-session")
	}
	if t.onVoiceServer != nil {
		t.onVoiceServer(guildID, "local", "local")
	}
	return nil
}

// RequestLeave stops and tears down the audio device.
func (t *Transport) RequestLeave(guildID string) error {
	t.closeOnce.Do(func() {
		close(t.stopped)
		if t.device != nil {
			t.device.Uninit()
		}
		if t.mctx != nil {
			t.mctx.Uninit()
		}
	})
	return nil
}

func (t *Transport) OnVoiceStateUpdate(cb func(guildID, sessionID string))     { t.onVoiceState = cb }
func (t *Transport) OnVoiceServerUpdate(cb func(guildID, endpoint, token string)) { t.onVoiceServer = cb }
func (t *Transport) OnSpeakingUpdate(cb func(ssrc uint32, userID, displayName string)) {
	t.onSpeaking = cb
}
func (t *Transport) OnAudio(cb func(ssrc uint32, pcm []int16)) { t.onAudio = cb }

func (t *Transport) Sink() voice.AudioSink { return t }

// onSamples is malgo's duplex data callback: pInput carries captured mono
// s16 at deviceSampleRate, forwarded upstream as the decoded-audio
// callback after resampling/upmixing to the 48kHz stereo i16 shape every
// Transport reports; pOutput is filled from the playback buffer queued
// by Play, draining it exactly as the teacher's onSamples does.
func (t *Transport) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil && t.onAudio != nil {
		mono := bytesToInt16(pInput)
		monoF32 := audio.Int16ToFloat32(mono)
		stereoF32 := audio.ResampleMonoF32(monoF32, deviceSampleRate, 48000)
		stereoF32 = audio.MonoToStereoF32(stereoF32)
		t.onAudio(LocalSSRC, audio.Float32ToInt16(stereoF32))
	}
	if pOutput != nil {
		t.playbackMu.Lock()
		n := copy(pOutput, t.playback)
		t.playback = t.playback[n:]
		t.playbackMu.Unlock()
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}
}

// Play implements voice.AudioSink: it downmixes/resamples the 48kHz
// stereo i16 segment to the device's mono native rate and appends it to
// the playback buffer, then blocks until the buffer drains or ctx/Stop
// fires, matching the teacher's blocking-play contract without a second
// device callback loop.
func (t *Transport) Play(ctx context.Context, pcm []int16) error {
	stereoF32 := audio.Int16ToFloat32(pcm)
	monoF32 := audio.StereoToMonoF32(stereoF32)
	monoF32 = audio.ResampleMonoF32(monoF32, 48000, deviceSampleRate)
	out := audio.Float32ToInt16(monoF32)

	t.playbackMu.Lock()
	t.playback = append(t.playback, int16ToBytes(out)...)
	t.playbackMu.Unlock()

	for {
		t.playbackMu.Lock()
		remaining := len(t.playback)
		t.playbackMu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopped:
			return fmt.Errorf("localmic: transport closed")
		default:
		}
	}
}

// Stop discards any queued-but-unplayed audio, meeting the barge-in
// cancellation budget.
func (t *Transport) Stop() error {
	t.playbackMu.Lock()
	t.playback = nil
	t.playbackMu.Unlock()
	return nil
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

func int16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
