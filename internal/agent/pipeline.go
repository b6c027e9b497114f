package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/mansuri-sabit/voicebridge/internal/audio"
)

// Config tunes the turn pipeline's gates and defaults, exposed so the empirical
// thresholds noted as open questions are configuration rather than constants.
type Config struct {
	SilenceAmplitudeThreshold int
	SilenceRatioThreshold     float64
	DefaultVoice              string
	GreetingText              string
	InterChunkPacing          time.Duration
}

func DefaultConfig() Config {
	return Config{
		SilenceAmplitudeThreshold: 100,
		SilenceRatioThreshold:     0.05,
		DefaultVoice:              "aura-2-thalia-en",
		GreetingText:              "Hello! How can I help you today?",
		InterChunkPacing:          10 * time.Millisecond,
	}
}

// Pipeline orchestrates STT -> LLM -> TTS for every turn of every session that
// shares it. It holds no per-call state; all of that lives on the Session.
type Pipeline struct {
	stt  Transcriber
	llm  Streamer
	tts  Synthesizer
	kb   KnowledgeBase
	sink OutboundSink
	cfg  Config
	log  *zap.Logger
}

// NewPipeline wires a Pipeline's collaborators. logger carries call-scoped
// fields (call_id, stream_sid, event) through every turn/greeting log line;
// a nil logger falls back to zap.NewNop().
func NewPipeline(stt Transcriber, llm Streamer, tts Synthesizer, kb KnowledgeBase, sink OutboundSink, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{stt: stt, llm: llm, tts: tts, kb: kb, sink: sink, cfg: cfg, log: logger}
}

// MaybeTriggerTurn runs after every inbound media frame is buffered. If the
// buffer has crossed the 2-second threshold and no turn is already in flight,
// it spawns the turn asynchronously so the caller (the WS read loop) remains
// responsive to incoming frames.
func (p *Pipeline) MaybeTriggerTurn(ctx context.Context, session *Session) {
	if session.InboundBufferSize() < session.TurnThresholdBytes() {
		return
	}
	if !session.TryBeginTurn() {
		return
	}
	go func() {
		defer session.EndTurn()
		if err := p.RunTurn(ctx, session); err != nil {
			p.log.Error("turn error",
				zap.String("call_id", session.CallID()),
				zap.String("event", "turn"),
				zap.Error(err),
			)
		}
	}()
}

// MaybeRunGreeting dispatches RunGreeting asynchronously so the caller (the
// carrier WS read loop) stays responsive to incoming frames during the
// blocking TTS call and paced playback, the same producer/consumer split
// MaybeTriggerTurn already uses for turns. It shares the processing_turn gate
// with RunTurn so a greeting and a turn can never write sequence numbers or
// audio to the same connection concurrently.
func (p *Pipeline) MaybeRunGreeting(ctx context.Context, session *Session) {
	if session.StreamSID() == "" || session.GreetingState() != GreetingPending {
		return
	}
	if !session.TryBeginTurn() {
		return
	}
	go func() {
		defer session.EndTurn()
		p.RunGreeting(ctx, session)
	}()
}

// FlushResidualOnStop runs a final turn over whatever audio remains buffered
// when a stop event arrives, per spec.
func (p *Pipeline) FlushResidualOnStop(ctx context.Context, session *Session) {
	if session.InboundBufferSize() == 0 {
		return
	}
	if !session.TryBeginTurn() {
		return
	}
	defer session.EndTurn()
	if err := p.RunTurn(ctx, session); err != nil {
		p.log.Error("residual turn error",
			zap.String("call_id", session.CallID()),
			zap.String("event", "stop"),
			zap.Error(err),
		)
	}
}

// RunTurn executes one full turn: snapshot, barge-in check, silence gate, STT,
// prompt assembly, streaming LLM -> TTS, and history append. The caller must
// hold the processing_turn gate (TryBeginTurn) before calling this.
func (p *Pipeline) RunTurn(ctx context.Context, session *Session) error {
	pcm := session.SnapshotAndClearInbound()

	if session.ConsumeBargeInPending() {
		return nil
	}

	if !hasEnoughEnergy(pcm, p.cfg.SilenceAmplitudeThreshold, p.cfg.SilenceRatioThreshold) {
		return nil
	}

	userText, err := p.stt.Transcribe(ctx, pcm, session.SampleRate(), session.Language())
	if err != nil {
		return fmt.Errorf("agent: transcribe: %w", err)
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil
	}

	session.AppendUser(userText)
	if err := session.EnsureSystemMessage(ctx, p.kb); err != nil {
		return err
	}

	chunks, err := p.kb.RelevantChunks(ctx, userText, 3)
	if err != nil {
		p.log.Warn("relevant chunks lookup failed",
			zap.String("call_id", session.CallID()),
			zap.String("event", "turn"),
			zap.Error(err),
		)
	}
	if len(chunks) > 0 {
		session.mu.Lock()
		session.history = append(session.history, Turn{Role: RoleSystem, Text: "Relevant context:\n" + strings.Join(chunks, "\n")})
		session.mu.Unlock()
	}

	systemPrompt, linearPrompt := buildLinearizedPrompt(session.History())

	full, spoken, barged, err := p.streamReplyToWire(ctx, session, systemPrompt, linearPrompt)
	if err != nil {
		p.log.Error("llm stream error",
			zap.String("call_id", session.CallID()),
			zap.String("stream_sid", session.StreamSID()),
			zap.String("event", "turn"),
			zap.Error(err),
		)
	}
	_ = full
	if barged {
		spoken = strings.TrimSpace(spoken)
		if spoken != "" {
			spoken += " [INTERUPTED BY USER]"
		} else {
			spoken = "[INTERUPTED BY USER]"
		}
	}
	if spoken != "" {
		session.AppendAssistant(postProcessReply(spoken))
	}
	return nil
}

// hasEnoughEnergy implements the silence gate: counts 16-bit samples whose
// absolute value exceeds threshold, and requires the non-silent ratio to meet
// ratioThreshold before a turn proceeds to STT.
func hasEnoughEnergy(pcm []byte, threshold int, ratioThreshold float64) bool {
	numSamples := len(pcm) / 2
	if numSamples == 0 {
		return false
	}
	nonSilent := 0
	for i := 0; i < numSamples; i++ {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		v := int(sample)
		if v < 0 {
			v = -v
		}
		if v > threshold {
			nonSilent++
		}
	}
	ratio := float64(nonSilent) / float64(numSamples)
	return ratio >= ratioThreshold
}

// buildLinearizedPrompt splits history into the persona system block and a
// transcript of the last 10 non-system turns, per spec §4.8 step 6. The
// caller is expected to have already appended the latest user utterance to
// history before calling this, so it forms the transcript's final line.
func buildLinearizedPrompt(history []Turn) (systemPrompt, prompt string) {
	var systemParts []string
	var convo []Turn
	for _, t := range history {
		if t.Role == RoleSystem {
			systemParts = append(systemParts, t.Text)
			continue
		}
		convo = append(convo, t)
	}
	systemPrompt = strings.Join(systemParts, "\n\n")

	if len(convo) > 10 {
		convo = convo[len(convo)-10:]
	}
	var b strings.Builder
	for _, t := range convo {
		switch t.Role {
		case RoleUser:
			b.WriteString("User: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		}
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return systemPrompt, b.String()
}

// flushDecision inspects buffer for a flush boundary per spec §4.8 step 7: a
// sentence terminator followed by whitespace, else (if long enough) the last
// space before position 100. It returns the fragment to speak and the
// remaining buffer content, or ok=false if no boundary is ready yet.
func flushDecision(buffer string) (fragment, remainder string, ok bool) {
	for i, r := range buffer {
		if r == '.' || r == '!' || r == '?' {
			rest := buffer[i+1:]
			if rest == "" {
				continue
			}
			if unicode.IsSpace([]rune(rest)[0]) {
				boundary := i + 1
				return strings.TrimSpace(buffer[:boundary]), buffer[boundary:], true
			}
		}
	}
	words := strings.Fields(buffer)
	if len(buffer) > 50 && len(words) >= 8 {
		limit := len(buffer)
		if limit > 100 {
			limit = 100
		}
		lastSpace := strings.LastIndex(buffer[:limit], " ")
		if lastSpace > 0 {
			return strings.TrimSpace(buffer[:lastSpace]), buffer[lastSpace:], true
		}
	}
	return "", buffer, false
}

// streamReplyToWire drives the LLM streaming producer and, as sentence
// boundaries are flushed, synthesizes and streams each fragment to the wire
// in strict enqueue order. It polls barge_in_pending before each flush and at
// chunk boundaries inside speakFragment.
func (p *Pipeline) streamReplyToWire(ctx context.Context, session *Session, systemPrompt, prompt string) (fullReply, spokenText string, wasBarged bool, err error) {
	deltaCh := make(chan string)
	type streamResult struct {
		full string
		err  error
	}
	resCh := make(chan streamResult, 1)

	go func() {
		full, serr := p.llm.StreamReply(ctx, systemPrompt, prompt, func(delta string, isComplete bool) {
			if isComplete || delta == "" {
				return
			}
			select {
			case deltaCh <- delta:
			case <-ctx.Done():
			}
		})
		close(deltaCh)
		resCh <- streamResult{full, serr}
	}()

	var buffer strings.Builder
	var spoken strings.Builder
	barged := false

	for delta := range deltaCh {
		if barged {
			continue
		}
		buffer.WriteString(delta)
		for {
			fragment, remainder, ok := flushDecision(buffer.String())
			if !ok {
				break
			}
			buffer.Reset()
			buffer.WriteString(remainder)
			if session.IsBargeInPending() {
				barged = true
				break
			}
			stopped, serr := p.speakFragment(ctx, session, fragment, false)
			if serr != nil {
				p.log.Warn("tts fragment error",
					zap.String("call_id", session.CallID()),
					zap.String("stream_sid", session.StreamSID()),
					zap.String("event", "turn"),
					zap.Error(serr),
				)
				continue
			}
			if stopped {
				barged = true
				break
			}
			appendSpoken(&spoken, fragment)
		}
	}

	res := <-resCh

	if !barged && session.ConsumeBargeInPending() {
		barged = true
	}

	tail := strings.TrimSpace(buffer.String())
	if !barged && tail != "" {
		stopped, serr := p.speakFragment(ctx, session, tail, true)
		if serr != nil {
			p.log.Warn("tts final fragment error",
				zap.String("call_id", session.CallID()),
				zap.String("stream_sid", session.StreamSID()),
				zap.String("event", "turn"),
				zap.Error(serr),
			)
		} else if stopped {
			barged = true
		} else {
			appendSpoken(&spoken, tail)
		}
	} else if !barged {
		if err := p.sink.SendMarkFrame(ctx, session.StreamSID(), "assistant_reply_done"); err != nil {
			p.log.Warn("send mark frame failed",
				zap.String("call_id", session.CallID()),
				zap.String("stream_sid", session.StreamSID()),
				zap.String("event", "mark"),
				zap.Error(err),
			)
		}
	}

	return res.full, strings.TrimSpace(spoken.String()), barged, res.err
}

func appendSpoken(spoken *strings.Builder, fragment string) {
	if spoken.Len() > 0 {
		spoken.WriteString(" ")
	}
	spoken.WriteString(strings.TrimSpace(fragment))
}

// speakFragment synthesizes text, resamples to the session rate if needed,
// chunks at the session's 100ms size, and streams each chunk as an outbound
// media frame, pacing ~10ms between chunks. It stops (returning stopped=true)
// as soon as barge_in_pending is observed, and emits the final mark only when
// isFinal is true and no barge-in occurred.
func (p *Pipeline) speakFragment(ctx context.Context, session *Session, text string, isFinal bool) (stopped bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		if isFinal {
			return false, p.sink.SendMarkFrame(ctx, session.StreamSID(), "assistant_reply_done")
		}
		return false, nil
	}

	voice := session.Voice()
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}
	result, err := p.tts.Synthesize(ctx, text, voice, session.SampleRate())
	if err != nil {
		return false, fmt.Errorf("tts synthesize: %w", err)
	}

	return p.streamPCM(ctx, session, result.PCM, result.SourceSampleRate, isFinal)
}

// streamPCM resamples pcm to the session's sample rate if needed, chunks it
// at the session's 100ms size, and streams each chunk as an outbound media
// frame, pacing ~10ms between chunks. It stops (returning stopped=true) as
// soon as barge_in_pending is observed, and emits the final mark only when
// emitFinalMark is true and no barge-in occurred.
func (p *Pipeline) streamPCM(ctx context.Context, session *Session, pcm []byte, sourceRate int, emitFinalMark bool) (stopped bool, err error) {
	if sourceRate != 0 && sourceRate != session.SampleRate() {
		pcm = audio.Resample(pcm, sourceRate, session.SampleRate())
	}

	chunkSize := audio.ChunkSizeFor100ms(session.SampleRate())
	frames, err := audio.Chunk(pcm, chunkSize)
	if err != nil {
		return false, fmt.Errorf("chunk: %w", err)
	}

	for _, frame := range frames {
		if session.IsBargeInPending() {
			return true, nil
		}
		seq := session.NextSequenceNumber()
		payload := base64.StdEncoding.EncodeToString(frame)
		if err := p.sink.SendMediaFrame(ctx, session.StreamSID(), seq, payload); err != nil {
			return false, fmt.Errorf("send media frame: %w", err)
		}
		select {
		case <-time.After(p.cfg.InterChunkPacing):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if emitFinalMark {
		if session.IsBargeInPending() {
			return true, nil
		}
		if err := p.sink.SendMarkFrame(ctx, session.StreamSID(), "assistant_reply_done"); err != nil {
			return false, fmt.Errorf("send mark frame: %w", err)
		}
	}
	return false, nil
}

// RunGreeting fires on whichever of connected/start/first-media first yields a
// known stream_sid. It is a no-op unless greeting_state is pending. On TTS
// failure it reverts to pending (no audio was sent) and streams a second of
// silence so the carrier does not drop the call while waiting.
func (p *Pipeline) RunGreeting(ctx context.Context, session *Session) {
	if session.StreamSID() == "" {
		return
	}
	if !session.BeginGreeting() {
		return
	}

	text := greetingTextFor(session, p.cfg.GreetingText)
	voice := session.Voice()
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}

	result, err := p.tts.Synthesize(ctx, text, voice, session.SampleRate())
	if err != nil {
		p.log.Error("greeting synthesis failed",
			zap.String("call_id", session.CallID()),
			zap.String("stream_sid", session.StreamSID()),
			zap.String("event", "greeting"),
			zap.Error(err),
		)
		session.RevertGreeting()
		p.streamSilenceKeepalive(ctx, session, time.Second)
		return
	}

	if _, err := p.streamPCM(ctx, session, result.PCM, result.SourceSampleRate, true); err != nil {
		p.log.Error("greeting playback failed",
			zap.String("call_id", session.CallID()),
			zap.String("stream_sid", session.StreamSID()),
			zap.String("event", "greeting"),
			zap.Error(err),
		)
	}
	session.CompleteGreeting()
}

// streamSilenceKeepalive emits duration worth of zeroed PCM so the carrier
// does not time out the connection while a greeting failure is logged.
func (p *Pipeline) streamSilenceKeepalive(ctx context.Context, session *Session, duration time.Duration) {
	numBytes := int(float64(session.SampleRate()) * duration.Seconds()) * 2
	if numBytes <= 0 {
		return
	}
	silence := make([]byte, numBytes)
	if _, err := p.streamPCM(ctx, session, silence, session.SampleRate(), false); err != nil {
		p.log.Warn("silence keepalive failed",
			zap.String("call_id", session.CallID()),
			zap.String("stream_sid", session.StreamSID()),
			zap.String("event", "greeting"),
			zap.Error(err),
		)
	}
}

var greetingTextPrefixRe = regexp.MustCompile(`^GREETING_TEXT=`)

// greetingTextFor resolves the greeting text per spec precedence:
// custom_parameters.greeting, else the configured default, else a literal
// fallback, with a GREETING_TEXT= prefix and surrounding quotes stripped.
func greetingTextFor(session *Session, fallback string) string {
	text := session.CustomParameters()["greeting"]
	if text == "" {
		text = fallback
	}
	if text == "" {
		text = "Hello! How can I help you today?"
	}
	text = greetingTextPrefixRe.ReplaceAllString(text, "")
	text = strings.Trim(text, `"'`)
	return strings.TrimSpace(text)
}

var (
	markdownBoldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	markdownItalicRe  = regexp.MustCompile(`[*_]([^*_]+)[*_]`)
	markdownCodeRe    = regexp.MustCompile("`([^`]+)`")
	markdownHeadingRe = regexp.MustCompile(`(?m)^#+\s*`)
	markdownLinkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// postProcessReply strips markdown artifacts, truncates to <=300 characters at
// a sentence boundary when possible, and ensures trailing terminal punctuation.
func postProcessReply(text string) string {
	text = markdownLinkRe.ReplaceAllString(text, "$1")
	text = markdownBoldRe.ReplaceAllString(text, "$1")
	text = markdownCodeRe.ReplaceAllString(text, "$1")
	text = markdownItalicRe.ReplaceAllString(text, "$1")
	text = markdownHeadingRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	const maxLen = 300
	if len(text) > maxLen {
		truncated := text[:maxLen]
		if i := strings.LastIndexAny(truncated, ".!?"); i > 0 {
			truncated = truncated[:i+1]
		}
		text = strings.TrimSpace(truncated)
	}

	if text != "" {
		last := text[len(text)-1]
		if last != '.' && last != '!' && last != '?' {
			text += "."
		}
	}
	return text
}
