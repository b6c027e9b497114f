// Package barge detects a caller talking over the assistant's own reply on
// the WebRTC test-harness path (internal/rtc), where there is no carrier
// `clear` event to signal interruption the way there is on the carrier WS
// gateway path. It fuses a mic VAD vote, ASR partial-growth vote, and a
// double-talk-detector vote over a short window before triggering.
package barge

import (
	"context"
	"time"
)

// pcmFrame10ms is a 10ms mono PCM frame at a Config's SampleRate.
// At 16kHz mono that is 160 samples of int16.
type pcmFrame10ms []int16

// Config holds the thresholds for one rtcCall's barge-in fusion engine.
type Config struct {
	ResidualVadMs   int     // 120-180
	ASRTokens       int     // 2-3
	ASRConf         float32 // kept for compatibility; not all ASR provide conf in partials
	DTDOverlapMs    int     // 100-150
	FuseWinMs       int     // 150-180
	HysteresisOffMs int     // 200
	PreRollMs       int     // 200-250
	SampleRate      int     // matches internal/rtc's session PCM rate (16000)

	// VADAmplitudeThreshold is the RMS amplitude above which a 10ms mic frame
	// votes "speech", the same amplitude-gate idea internal/agent's turn
	// pipeline uses for its own silence gate, tuned for a 10ms window instead
	// of a full turn buffer.
	VADAmplitudeThreshold float64
	// DTDOverlapRMSThreshold is the RMS residual energy above which the
	// double-talk detector votes "overlap".
	DTDOverlapRMSThreshold float64
}

// Cues indicates which detectors voted true in a window.
type Cues struct{ VAD, ASR, DTD bool }

// Events lets a call's rtcCall react to barge-in.
type Events struct {
	// OnTrigger fires when fusion crosses threshold; preRoll contains the last PreRollMs
	// of residual audio (the mic frames after the AEC stage, which passes them through unchanged) as PCM16LE at SampleRate.
	OnTrigger func(ts time.Time, cues Cues, preRoll []byte)
	// OnTTSStop should stop TTS output immediately (e.g., cancel synthesis and mute output device).
	OnTTSStop func(ts time.Time)
}

// Engine is the barge-in fusion orchestrator a call binds to its session.
type Engine interface {
	// FeedMic16k feeds arbitrary-length PCM16LE at SampleRate (16kHz typical). The engine will split to 10ms frames.
	FeedMic16k(pcm []byte)
	// FeedTTS48k feeds PCM16LE 48kHz mono of the TTS reference; it is decimated by 3 for the AEC reference when SampleRate is 16kHz, and not fed at any other SampleRate.
	FeedTTS48k(pcm []byte)
	// NotifyPartial provides the latest running transcript partial (string-level). Engine derives token growth.
	NotifyPartial(text string)
	// NotifyTTSText lets the engine discount echoed content (Bloom of current spoken text).
	NotifyTTSText(text string)
	// SetSpeaking toggles speaking state; detection triggers only when speaking is true.
	SetSpeaking(on bool)
	// StartSpeaking is optional convenience for designs where the engine manages TTS end-to-end.
	StartSpeaking(ctx context.Context, textStream <-chan string)
	// CancelSpeaking cancels current speaking session (noop if unmanaged).
	CancelSpeaking()
	// Reset clears window state and pre-roll.
	Reset()
}

// DefaultWebRTCHeadset returns the tuning internal/rtc uses for a call over a
// typical browser/headset mic+speaker setup (no hardware echo cancellation to
// rely on).
func DefaultWebRTCHeadset() Config {
	return Config{
		ResidualVadMs:          120,
		ASRTokens:              3,
		ASRConf:                0.6,
		DTDOverlapMs:           100,
		FuseWinMs:              150,
		HysteresisOffMs:        200,
		PreRollMs:              220,
		SampleRate:             16000,
		VADAmplitudeThreshold:  300,
		DTDOverlapRMSThreshold: 500,
	}
}
