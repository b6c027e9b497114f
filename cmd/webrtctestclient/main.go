// Command webrtctestclient runs the turn pipeline over a local WebRTC peer
// connection, so the STT/LLM/TTS pipeline can be exercised from a browser or
// any WebRTC client without placing a real telephony call.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mansuri-sabit/voicebridge/internal/agent"
	"github.com/mansuri-sabit/voicebridge/internal/config"
	"github.com/mansuri-sabit/voicebridge/internal/knowledge"
	"github.com/mansuri-sabit/voicebridge/internal/llm"
	"github.com/mansuri-sabit/voicebridge/internal/rtc"
	"github.com/mansuri-sabit/voicebridge/internal/stt"
	"github.com/mansuri-sabit/voicebridge/internal/tts"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	cfg := config.Load()

	kb := knowledge.New(knowledge.NewMemoryStore())
	sttClient := stt.New(cfg.STTAPIKey, cfg.STTEndpoint)
	llmClient := llm.NewCerebrasClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMStreamEndpoint)
	ttsClient := tts.New(cfg.TTSProvider, cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID)

	handler := rtc.NewHandler()

	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	pipelineCfg := agent.DefaultConfig()
	pipelineCfg.SilenceAmplitudeThreshold = cfg.SilenceAmplitudeThreshold
	pipelineCfg.SilenceRatioThreshold = cfg.SilenceRatioThreshold
	pipelineCfg.DefaultVoice = cfg.DefaultVoice
	pipelineCfg.GreetingText = cfg.GreetingText
	pipeline := agent.NewPipeline(sttClient, llmClient, ttsClient, kb, handler, pipelineCfg, logger)
	handler.SetPipeline(pipeline)

	mux := http.NewServeMux()
	mux.HandleFunc("/offer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var offer rtc.SessionDescription
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
			http.Error(w, "invalid offer", http.StatusBadRequest)
			return
		}
		answer, err := handler.HandleOffer(r.Context(), offer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(answer)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handler.ServeWebSocket(w, r, os.Getenv("WEBRTC_TEST_PASSWORD"))
	})

	addr := ":8081"
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("webrtctestclient listening on %s", addr)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

