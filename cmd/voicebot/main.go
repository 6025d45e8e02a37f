// Command voicebot joins a Discord voice channel and bridges it to a
// streaming STT/LLM/TTS pipeline: each speaker gets its own worker, barge-in
// interrupts the bot mid-sentence, and multi-speaker turns are fused into
// one shared response through the Batcher.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vocalbridge/voicecore/pkg/providers/llm"
	"github.com/vocalbridge/voicecore/pkg/providers/stt"
	"github.com/vocalbridge/voicecore/pkg/providers/tts"
	"github.com/vocalbridge/voicecore/pkg/transport/discord"
	"github.com/vocalbridge/voicecore/pkg/transport/localmic"
	"github.com/vocalbridge/voicecore/pkg/ttscache"
	"github.com/vocalbridge/voicecore/pkg/voice"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using process environment")
	}

	logger := newLogger()
	cfg := voice.DefaultConfig()

	lang := voice.Language(os.Getenv("AGENT_LANGUAGE"))
	if lang == "" {
		lang = voice.LanguageEn
	}
	voiceParams := voice.VoiceParams{
		Model:     envOr("TTS_MODEL", "default"),
		Speed:     1.0,
		StyleID:   os.Getenv("TTS_STYLE_ID"),
		SpeakerID: os.Getenv("TTS_SPEAKER_ID"),
		Pitch:     0,
	}

	sttProvider := buildSTT()
	llmProvider := buildLLM()
	ttsProvider := buildTTS()

	cache, err := ttscache.Open(cfg.Cache, logger)
	if err != nil {
		log.Fatalf("opening tts cache: %v", err)
	}
	defer cache.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go cache.RunCleanup(ctx)

	xport, guildID, channelID, closeTransport := buildTransport()
	defer closeTransport()

	conn := voice.NewConnection(cfg.Connection, xport, logger)

	var batcherOrch *voice.Orchestrator
	batcherOrch = voice.NewOrchestrator(xport.Sink(), logger)
	go batcherOrch.PlaybackLoop(ctx)
	batcher := voice.NewBatcher(cfg.Pipeline.ContextWindowMs, llmProvider, ttsProvider, cache, batcherOrch, cfg.Pipeline.MaxConcurrentRequests, voiceParams, lang, logger)
	go batcher.Run(ctx)

	// workerFactory closes over dispatcher, which does not exist until
	// NewDispatcher returns; it is only ever invoked from inside
	// Dispatcher.HandleAudio, after assignment below has happened.
	var dispatcher *voice.Dispatcher
	workerFactory := func(session *voice.SpeakerSession) voice.WorkerHandle {
		orch := voice.NewOrchestrator(xport.Sink(), logger)
		go orch.PlaybackLoop(ctx)
		return voice.NewWorker(session, sttProvider, llmProvider, ttsProvider, cache, dispatcher, batcher, orch, cfg, lang, voiceParams, logger)
	}

	dispatcher = voice.NewDispatcher(ctx, cfg, workerFactory, batcher, logger)
	defer dispatcher.Stop()

	xport.OnAudio(func(ssrc uint32, pcm []int16) {
		if err := dispatcher.HandleAudio(ssrc, int16StereoToFloat32(pcm)); err != nil {
			logger.Warn("dispatcher rejected audio", "ssrc", ssrc, "error", err)
		}
	})
	xport.OnSpeakingUpdate(func(ssrc uint32, userID, name string) {
		dispatcher.HandleSpeakingUpdate(ssrc, userID, name)
	})

	if err := conn.Join(guildID, channelID); err != nil {
		log.Fatalf("joining voice channel: %v", err)
	}

	logger.Info("voicebot started", "guild", guildID, "channel", channelID, "language", lang)
	fmt.Println("voicebot: connected, listening. Press Ctrl+C to exit.")

	<-ctx.Done()
	logger.Info("voicebot shutting down")
	_ = conn.Leave()
}

func newLogger() voice.Logger {
	base := logrus.New()
	if lvl, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		base.SetLevel(lvl)
	}
	return voice.NewLogrusLogger(base)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// int16StereoToFloat32 converts a decoded Opus frame (48kHz stereo s16)
// into the f32 format Dispatcher.HandleAudio expects.
func int16StereoToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// displayNameCache resolves Discord user ids to account usernames for the
// Batcher's labeled multi-speaker prompts, falling back to the raw id on
// any API error. The first lookup of an id calls the API synchronously;
// later lookups are served from the map.
type displayNameCache struct {
	session *discordgo.Session
	names   map[string]string
}

func newDisplayNameCache(session *discordgo.Session) *displayNameCache {
	return &displayNameCache{session: session, names: make(map[string]string)}
}

func (d *displayNameCache) lookup(userID string) string {
	if name, ok := d.names[userID]; ok {
		return name
	}
	user, err := d.session.User(userID)
	if err != nil || user == nil {
		return userID
	}
	d.names[userID] = user.Username
	return user.Username
}

// buildSTT selects a streaming or batch STT provider from STT_PROVIDER.
// Batch providers (openai/deepgram/assemblyai/groq) are wrapped in a local
// RMS voice-activity detector so they still satisfy the streaming
// interface the Worker pipeline requires.
func buildSTT() voice.StreamingSTTProvider {
	switch envOr("STT_PROVIDER", "lokutor") {
	case "lokutor":
		return stt.NewWSStreamingSTT(os.Getenv("LOKUTOR_API_KEY"), envOr("LOKUTOR_STT_HOST", "api.lokutor.ai"))
	case "openai":
		return stt.NewVADStreamingAdapter(stt.NewOpenAISTT(os.Getenv("OPENAI_API_KEY"), "whisper-1"), 16000, 0.02, 500*time.Millisecond)
	case "deepgram":
		return stt.NewVADStreamingAdapter(stt.NewDeepgramSTT(os.Getenv("DEEPGRAM_API_KEY")), 16000, 0.02, 500*time.Millisecond)
	case "assemblyai":
		return stt.NewVADStreamingAdapter(stt.NewAssemblyAISTT(os.Getenv("ASSEMBLYAI_API_KEY")), 16000, 0.02, 500*time.Millisecond)
	case "groq":
		return stt.NewVADStreamingAdapter(stt.NewGroqSTT(os.Getenv("GROQ_API_KEY"), ""), 16000, 0.02, 500*time.Millisecond)
	default:
		log.Fatalf("unknown STT_PROVIDER %q", os.Getenv("STT_PROVIDER"))
		return nil
	}
}

func buildLLM() voice.LLMProvider {
	switch envOr("LLM_PROVIDER", "groq") {
	case "openai":
		return llm.NewOpenAILLM(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
	case "anthropic":
		return llm.NewAnthropicLLM(os.Getenv("ANTHROPIC_API_KEY"), "claude-3-5-sonnet-20241022")
	case "google":
		return llm.NewGoogleLLM(os.Getenv("GOOGLE_API_KEY"), "gemini-1.5-flash")
	case "groq":
		return llm.NewGroqLLM(os.Getenv("GROQ_API_KEY"), "llama-3.3-70b-versatile")
	default:
		log.Fatalf("unknown LLM_PROVIDER %q", os.Getenv("LLM_PROVIDER"))
		return nil
	}
}

func buildTTS() voice.TTSProvider {
	return tts.NewLokutorTTS(os.Getenv("LOKUTOR_API_KEY"))
}

// buildTransport selects the voice.Transport implementation from
// TRANSPORT: "discord" (default) opens a discordgo gateway session and
// demuxes per-SSRC Opus over UDP; "localmic" drives the host machine's
// own microphone/speakers through malgo for local testing without a
// Discord guild, carrying a single synthetic SSRC. It returns the
// transport, the guild/channel ids to pass to Connection.Join (both
// ignored by localmic), and a cleanup func to defer.
func buildTransport() (voice.Transport, string, string, func()) {
	switch envOr("TRANSPORT", "discord") {
	case "localmic":
		xport := localmic.New(envOr("LOCALMIC_USER_ID", "local"), envOr("LOCALMIC_DISPLAY_NAME", "You"))
		return xport, "local", "local", func() { _ = xport.RequestLeave("local") }
	case "discord":
		botToken := os.Getenv("DISCORD_BOT_TOKEN")
		guildID := os.Getenv("DISCORD_GUILD_ID")
		channelID := os.Getenv("DISCORD_CHANNEL_ID")
		if botToken == "" || guildID == "" || channelID == "" {
			log.Fatal("DISCORD_BOT_TOKEN, DISCORD_GUILD_ID, and DISCORD_CHANNEL_ID must all be set")
		}

		session, err := discordgo.New("Bot " + botToken)
		if err != nil {
			log.Fatalf("creating discord session: %v", err)
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

		displayNames := newDisplayNameCache(session)
		xport := discord.New(session, displayNames.lookup)

		if err := session.Open(); err != nil {
			log.Fatalf("opening discord gateway: %v", err)
		}
		return xport, guildID, channelID, func() { _ = session.Close() }
	default:
		log.Fatalf("unknown TRANSPORT %q", os.Getenv("TRANSPORT"))
		return nil, "", "", nil
	}
}
