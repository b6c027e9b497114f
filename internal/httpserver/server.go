package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/mansuri-sabit/voicebridge/internal/agent"
	"github.com/mansuri-sabit/voicebridge/internal/calls"
	"github.com/mansuri-sabit/voicebridge/internal/config"
	"github.com/mansuri-sabit/voicebridge/internal/knowledge"
	"github.com/mansuri-sabit/voicebridge/internal/llm"
	appmiddleware "github.com/mansuri-sabit/voicebridge/internal/middleware"
	"github.com/mansuri-sabit/voicebridge/internal/stt"
	"github.com/mansuri-sabit/voicebridge/internal/storage"
	"github.com/mansuri-sabit/voicebridge/internal/tts"
)

// Server bundles the echo router with the gateway, following the teacher's
// router.go shape (echo.New + middleware.Logger/Recover + route registration)
// while adding the carrier WS endpoint and the admin/outbound-call routes.
type Server struct {
	Router  *echo.Echo
	Gateway *Gateway
	Logger  *zap.Logger
}

// New assembles the full dependency graph from Config: knowledge store, STT/
// LLM/TTS clients, the turn pipeline, the carrier WS gateway, and the admin
// and outbound-call HTTP routes.
func New(cfg config.Config) *Server {
	logger := newLogger()

	store := newKnowledgeStore(cfg)
	kb := knowledge.New(store)

	sttClient := stt.New(cfg.STTAPIKey, cfg.STTEndpoint)
	llmClient := llm.NewCerebrasClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMStreamEndpoint)
	ttsClient := tts.New(cfg.TTSProvider, cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID)

	gw := NewGateway(cfg.IdleSessionTimeout, logger.Named("gateway"))

	pipelineCfg := agent.DefaultConfig()
	pipelineCfg.SilenceAmplitudeThreshold = cfg.SilenceAmplitudeThreshold
	pipelineCfg.SilenceRatioThreshold = cfg.SilenceRatioThreshold
	pipelineCfg.DefaultVoice = cfg.DefaultVoice
	pipelineCfg.GreetingText = cfg.GreetingText

	pipeline := agent.NewPipeline(sttClient, llmClient, ttsClient, kb, gw, pipelineCfg, logger.Named("pipeline"))
	gw.SetPipeline(pipeline)

	var blob storage.Blob
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
		sb, err := storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, cfg.SupabaseBucket)
		if err != nil {
			log.Printf("httpserver: supabase storage unavailable (%v), document uploads will fail", err)
		} else {
			blob = sb
		}
	}

	callsSvc := calls.NewService(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.PublicBaseURL, cfg.WSPath)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(appmiddleware.TwilioAuth(func() string { return cfg.TwilioAuthToken }))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "active_calls": gw.SessionCount()})
	})
	e.GET(cfg.WSPath, gw.ServeWS)

	admin := NewAdminRoutes(kb, blob)
	admin.Register(e.Group("/admin"))

	callRoutes := NewCallRoutes(callsSvc, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.GreetingText)
	callRoutes.Register(e)

	return &Server{Router: e, Gateway: gw, Logger: logger}
}

// newLogger builds the structured logger shared by the carrier adapter and
// turn pipeline for call-scoped fields (call_id, stream_sid, event); falls
// back to a no-op logger if zap's production config can't build (e.g. no
// writable stderr), matching the teacher's own fall-back-rather-than-fail
// posture in newKnowledgeStore below.
func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Printf("httpserver: zap logger unavailable (%v), falling back to a no-op logger", err)
		return zap.NewNop()
	}
	return logger
}

func newKnowledgeStore(cfg config.Config) knowledge.Store {
	if cfg.MongoURI == "" {
		log.Println("httpserver: MONGODB_URI not set, using in-memory knowledge store")
		return knowledge.NewMemoryStore()
	}
	store, err := knowledge.NewMongoStore(context.Background(), cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Printf("httpserver: mongo store unavailable (%v), falling back to in-memory knowledge store", err)
		return knowledge.NewMemoryStore()
	}
	return store
}
