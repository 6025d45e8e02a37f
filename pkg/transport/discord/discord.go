// Package discord adapts a bwmarrin/discordgo session and voice
// connection to voice.Transport: it demuxes incoming Opus packets by
// SSRC into decoded PCM callbacks, encodes outgoing PCM to Opus, and
// forwards the two-event gateway handshake (VOICE_STATE_UPDATE,
// VOICE_SERVER_UPDATE) that voice.Connection needs to complete a join.
package discord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/vocalbridge/voicecore/pkg/audio"
	"github.com/vocalbridge/voicecore/pkg/voice"
)

const (
	frameSize   = 960 // 20ms at 48kHz
	channels    = 2
	sampleRate  = 48000
	sendBufSize = 64
)

// Transport implements voice.Transport over one discordgo session. One
// Transport instance is reused across guild joins; voice.Connection
// drives the per-guild join/leave lifecycle.
type Transport struct {
	session *discordgo.Session

	mu          sync.Mutex
	vc          *discordgo.VoiceConnection
	guildID     string
	decoders    map[uint32]*gopus.Decoder
	ssrcToUser  map[uint32]string
	displayName func(userID string) string

	onVoiceState  func(guildID, sessionID string)
	onVoiceServer func(guildID, endpoint, token string)
	onSpeaking    func(ssrc uint32, userID, displayName string)
	onAudio       func(ssrc uint32, pcm []int16)

	sendCh    chan []int16
	stopGen   uint64 // bumped by Stop so an in-progress Play returns
	closeOnce sync.Once
	done      chan struct{}
}

// New wires handlers onto session and returns a Transport. displayName
// resolves a Discord user id to the name shown in batched prompts; pass
// nil to fall back to the raw user id.
func New(session *discordgo.Session, displayName func(userID string) string) *Transport {
	if displayName == nil {
		displayName = func(userID string) string { return userID }
	}
	t := &Transport{
		session:     session,
		decoders:    make(map[uint32]*gopus.Decoder),
		ssrcToUser:  make(map[uint32]string),
		displayName: displayName,
		sendCh:      make(chan []int16, sendBufSize),
		done:        make(chan struct{}),
	}
	session.AddHandler(t.handleVoiceStateUpdate)
	session.AddHandler(t.handleVoiceServerUpdate)
	session.AddHandler(t.handleVoiceSpeakingUpdate)
	return t
}

// RequestJoin asks discordgo to join channelID in guildID. discordgo's
// ChannelVoiceJoin performs the gateway voice-state/voice-server
// handshake internally and blocks until ready, so it runs in a
// goroutine; on success the completion is reported by invoking both the
// OnVoiceStateUpdate and OnVoiceServerUpdate callbacks voice.Connection
// already listens on, since discordgo doesn't expose the two gateway
// events separately from its high-level join helper.
func (t *Transport) RequestJoin(guildID, channelID string) error {
	t.mu.Lock()
	t.guildID = guildID
	t.mu.Unlock()

	go func() {
		vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
		if err != nil {
			return
		}
		t.AttachVoiceConnection(vc)
		if t.onVoiceState != nil {
			t.onVoiceState(guildID, t.session.State.SessionID)
		}
		if t.onVoiceServer != nil {
			t.onVoiceServer(guildID, vc.Endpoint, vc.Token)
		}
	}()
	return nil
}

func (t *Transport) RequestLeave(guildID string) error {
	t.mu.Lock()
	vc := t.vc
	t.mu.Unlock()
	if vc == nil {
		return nil
	}
	return vc.Disconnect()
}

func (t *Transport) OnVoiceStateUpdate(cb func(guildID, sessionID string)) {
	t.onVoiceState = cb
}

func (t *Transport) OnVoiceServerUpdate(cb func(guildID, endpoint, token string)) {
	t.onVoiceServer = cb
}

func (t *Transport) OnSpeakingUpdate(cb func(ssrc uint32, userID, displayName string)) {
	t.onSpeaking = cb
}

func (t *Transport) OnAudio(cb func(ssrc uint32, pcm []int16)) {
	t.onAudio = cb
}

func (t *Transport) Sink() voice.AudioSink {
	return t
}

func (t *Transport) handleVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.UserID != s.State.User.ID {
		return
	}
	if t.onVoiceState != nil {
		t.onVoiceState(v.GuildID, v.SessionID)
	}
}

func (t *Transport) handleVoiceServerUpdate(s *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	if t.onVoiceServer != nil {
		t.onVoiceServer(v.GuildID, v.Endpoint, v.Token)
	}
}

func (t *Transport) handleVoiceSpeakingUpdate(s *discordgo.Session, v *discordgo.VoiceSpeakingUpdate) {
	t.mu.Lock()
	t.ssrcToUser[uint32(v.SSRC)] = v.UserID
	t.mu.Unlock()
	if t.onSpeaking != nil {
		t.onSpeaking(uint32(v.SSRC), v.UserID, t.displayName(v.UserID))
	}
}

// AttachVoiceConnection binds vc (already connected via voice.Connection
// completing the handshake) so recv/send pumps can start.
func (t *Transport) AttachVoiceConnection(vc *discordgo.VoiceConnection) {
	t.mu.Lock()
	t.vc = vc
	t.mu.Unlock()
	go t.recvLoop(vc)
	go t.sendLoop(vc)
}

func (t *Transport) recvLoop(vc *discordgo.VoiceConnection) {
	for {
		select {
		case <-t.done:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || t.onAudio == nil {
				continue
			}
			dec := t.decoderFor(pkt.SSRC)
			samples, err := dec.Decode(pkt.Opus, frameSize, false)
			if err != nil {
				continue
			}
			t.onAudio(pkt.SSRC, samples)
		}
	}
}

func (t *Transport) decoderFor(ssrc uint32) *gopus.Decoder {
	t.mu.Lock()
	defer t.mu.Unlock()
	dec, ok := t.decoders[ssrc]
	if !ok {
		dec, _ = gopus.NewDecoder(sampleRate, channels)
		t.decoders[ssrc] = dec
	}
	return dec
}

func (t *Transport) sendLoop(vc *discordgo.VoiceConnection) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return
	}
	for {
		select {
		case <-t.done:
			return
		case pcm, ok := <-t.sendCh:
			if !ok {
				return
			}
			frame, err := enc.Encode(pcm, frameSize, frameSize*4)
			if err != nil {
				continue
			}
			select {
			case vc.OpusSend <- frame:
			case <-t.done:
				return
			}
		}
	}
}

// Play implements voice.AudioSink, chunking pcm (48kHz stereo i16) into
// 20ms frames and blocking until all frames are queued or ctx/Stop fires.
func (t *Transport) Play(ctx context.Context, pcm []int16) error {
	gen := atomic.LoadUint64(&t.stopGen)
	frameSamples := frameSize * channels
	for offset := 0; offset < len(pcm); offset += frameSamples {
		if atomic.LoadUint64(&t.stopGen) != gen {
			return nil
		}
		end := offset + frameSamples
		var frame []int16
		if end > len(pcm) {
			frame = make([]int16, frameSamples)
			copy(frame, pcm[offset:])
		} else {
			frame = pcm[offset:end]
		}
		select {
		case t.sendCh <- frame:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return fmt.Errorf("discord transport: closed")
		}
	}
	return nil
}

// Stop drains any queued-but-unsent playback frames, meeting the 200ms
// barge-in cancellation budget without tearing down the send pump.
func (t *Transport) Stop() error {
	atomic.AddUint64(&t.stopGen, 1)
	for {
		select {
		case <-t.sendCh:
		default:
			return nil
		}
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// ToSTTPCM converts a received 48kHz stereo i16 frame to the 16kHz mono
// f32 frame the STT wire protocol expects.
func ToSTTPCM(pcm []int16, sttSampleRate int) []float32 {
	f32 := audio.Int16ToFloat32(pcm)
	return audio.ToSTTFrame(f32, sttSampleRate)
}
