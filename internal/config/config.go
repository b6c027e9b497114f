package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration, read once at startup from the process
// environment (plus an optional .env file for local development).
type Config struct {
	HTTPAddress string
	WSPath      string
	PublicBaseURL string

	// STT
	STTAPIKey   string
	STTEndpoint string

	// LLM
	LLMAPIKey          string
	LLMModel           string
	LLMEndpoint        string
	LLMStreamEndpoint  string

	// TTS
	TTSProvider      string // "deepgram" | "elevenlabs"
	DeepgramAPIKey   string
	DeepgramModel    string
	ElevenLabsAPIKey string
	ElevenLabsVoiceID string
	DefaultVoice     string
	VoiceAliasJSON   string

	// Persistence
	MongoURI    string
	MongoDBName string

	// Knowledge document blob storage
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	// Outbound-call trigger (carrier REST API credentials)
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string

	// Greeting
	GreetingText string

	// Silence gate tunables (DESIGN NOTES open question: exposed, not baked in)
	SilenceAmplitudeThreshold int
	SilenceRatioThreshold     float64

	// IdleSessionTimeout is how long a call may go without inbound media
	// before the gateway closes its connection and reaps the session.
	IdleSessionTimeout time.Duration
}

// Load reads environment variables and returns Config with sane defaults, following
// the pattern of loading an optional .env file before reading os.Getenv.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file found or error loading it: %v", err)
	}

	cfg := Config{
		HTTPAddress:   getEnv("HTTP_ADDRESS", ":8080"),
		WSPath:        getEnv("VOICEBOT_WS_PATH", "/voicebot/ws"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),

		STTAPIKey:   os.Getenv("STT_API_KEY"),
		STTEndpoint: getEnv("STT_ENDPOINT", "https://api.deepgram.com/v1/listen"),

		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		LLMModel:          getEnv("LLM_MODEL", "gpt-oss-120b"),
		LLMEndpoint:       getEnv("LLM_ENDPOINT", "https://api.cerebras.ai/v1/chat/completions"),
		LLMStreamEndpoint: getEnv("LLM_STREAM_ENDPOINT", "https://api.cerebras.ai/v1/chat/completions"),

		TTSProvider:       getEnv("TTS_PROVIDER", "deepgram"),
		DeepgramAPIKey:    os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     getEnv("DEEPGRAM_SPEAK_MODEL", "aura-2-thalia-en"),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		DefaultVoice:      getEnv("DEFAULT_TTS_VOICE", "aura-2-thalia-en"),
		VoiceAliasJSON:    os.Getenv("VOICE_ALIAS_MAP_JSON"),

		MongoURI:    os.Getenv("MONGODB_URI"),
		MongoDBName: getEnv("MONGODB_DATABASE", "voicebridge"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "knowledge-documents"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		GreetingText: getEnv("GREETING_TEXT", "Hello! How can I help you today?"),

		SilenceAmplitudeThreshold: getEnvInt("SILENCE_RMS_THRESHOLD", 100),
		SilenceRatioThreshold:     getEnvFloat("SILENCE_RATIO_THRESHOLD", 0.05),

		IdleSessionTimeout: time.Duration(getEnvInt("IDLE_SESSION_TIMEOUT_SECONDS", 120)) * time.Second,
	}

	if cfg.LLMAPIKey == "" {
		log.Println("config: LLM_API_KEY not set - LLM replies will fail")
	}
	if cfg.STTAPIKey == "" {
		log.Println("config: STT_API_KEY not set - transcription will fail")
	}
	if cfg.TTSProvider == "deepgram" && cfg.DeepgramAPIKey == "" {
		log.Println("config: DEEPGRAM_API_KEY not set - TTS will fail")
	}
	if cfg.TTSProvider == "elevenlabs" && (cfg.ElevenLabsAPIKey == "" || cfg.ElevenLabsVoiceID == "") {
		log.Println("config: ELEVENLABS_API_KEY/ELEVENLABS_VOICE_ID not set - TTS will fail")
	}

	log.Printf("config: http_address=%s ws_path=%s tts_provider=%s", cfg.HTTPAddress, cfg.WSPath, cfg.TTSProvider)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid int for %s=%q, using default %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: invalid float for %s=%q, using default %g", key, v, defaultValue)
		return defaultValue
	}
	return f
}

// MissingOutboundCallKeys reports which configuration keys required for the
// outbound-call trigger are absent, for a 400 response enumerating them.
func (c Config) MissingOutboundCallKeys() []string {
	var missing []string
	if c.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.TwilioFromNumber == "" {
		missing = append(missing, "TWILIO_FROM_NUMBER")
	}
	return missing
}
