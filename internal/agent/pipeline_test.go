package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mansuri-sabit/voicebridge/internal/llm"
	"github.com/mansuri-sabit/voicebridge/internal/tts"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	return f.text, f.err
}

// fakeStreamer replays a fixed sequence of deltas, honoring barge-in by
// stopping early if the session reports bargeInPending mid-stream.
type fakeStreamer struct {
	deltas  []string
	session *Session
}

func (f *fakeStreamer) StreamReply(ctx context.Context, systemPrompt, prompt string, onToken llm.OnToken) (string, error) {
	var full strings.Builder
	for _, d := range f.deltas {
		if f.session != nil && f.session.IsBargeInPending() {
			break
		}
		full.WriteString(d)
		onToken(d, false)
	}
	onToken("", true)
	return full.String(), nil
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	calls []string
	pcm   []byte
	err   error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text, voice string, targetSampleRate int) (tts.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.err != nil {
		return tts.Result{}, f.err
	}
	pcm := f.pcm
	if pcm == nil {
		pcm = make([]byte, 640) // 40ms at 8kHz: a single outbound chunk
	}
	return tts.Result{PCM: pcm, SourceSampleRate: targetSampleRate}, nil
}

type sentFrame struct {
	streamSID string
	seq       int64
	payload   string
}

type fakeSink struct {
	mu    sync.Mutex
	media []sentFrame
	marks []string
}

func (f *fakeSink) SendMediaFrame(ctx context.Context, streamSID string, sequenceNumber int64, payloadBase64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, sentFrame{streamSID, sequenceNumber, payloadBase64})
	return nil
}

func (f *fakeSink) SendMarkFrame(ctx context.Context, streamSID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func noPacingConfig() Config {
	cfg := DefaultConfig()
	cfg.InterChunkPacing = 0
	return cfg
}

func loudPCM(n int) []byte {
	pcm := make([]byte, n)
	for i := 0; i < n; i += 2 {
		pcm[i] = 0x00
		pcm[i+1] = 0x7F // large positive sample, well above the silence threshold
	}
	return pcm
}

func TestRunTurnSkipsSTTWhenBelowSilenceThreshold(t *testing.T) {
	s := NewSession("call1", 8000)
	s.AppendInboundPCM(make([]byte, 3200)) // all-zero, silent
	s.SnapshotAndClearInbound()
	s.AppendInboundPCM(make([]byte, 3200))

	sttClient := &fakeTranscriber{text: "should not be reached"}
	synth := &fakeSynthesizer{}
	sink := &fakeSink{}
	p := NewPipeline(sttClient, &fakeStreamer{deltas: []string{"hi."}}, synth, &fakeKB{persona: "p"}, sink, noPacingConfig(), nil)

	if err := p.RunTurn(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.media) != 0 || len(sink.marks) != 0 {
		t.Fatalf("expected no outbound frames for a silent turn")
	}
	if len(s.History()) != 0 {
		t.Fatalf("expected no history entries for a silent turn")
	}
}

func TestRunTurnHappyPathStreamsReplyAndEmitsFinalMark(t *testing.T) {
	s := NewSession("call1", 8000)
	s.AppendInboundPCM(loudPCM(3200))

	sttClient := &fakeTranscriber{text: "hello there"}
	streamer := &fakeStreamer{deltas: []string{"Hi ", "there. ", "How can I help you today?"}}
	synth := &fakeSynthesizer{}
	sink := &fakeSink{}
	p := NewPipeline(sttClient, streamer, synth, &fakeKB{persona: "be helpful"}, sink, noPacingConfig(), nil)

	if err := p.RunTurn(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.media) == 0 {
		t.Fatalf("expected outbound media frames")
	}
	if len(sink.marks) != 1 || sink.marks[0] != "assistant_reply_done" {
		t.Fatalf("expected exactly one assistant_reply_done mark, got %v", sink.marks)
	}
	for i, f := range sink.media {
		if f.seq != int64(i) {
			t.Fatalf("expected sequence numbers in strict order, got %d at index %d", f.seq, i)
		}
		if _, err := base64.StdEncoding.DecodeString(f.payload); err != nil {
			t.Fatalf("expected valid base64 payload: %v", err)
		}
	}

	hist := s.History()
	var sawUser, sawAssistant bool
	for _, turn := range hist {
		if turn.Role == RoleUser && turn.Text == "hello there" {
			sawUser = true
		}
		if turn.Role == RoleAssistant {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Fatalf("expected both user and assistant turns recorded, got %+v", hist)
	}
}

func TestRunTurnSkipsWhenTranscriptIsEmpty(t *testing.T) {
	s := NewSession("call1", 8000)
	s.AppendInboundPCM(loudPCM(3200))

	sttClient := &fakeTranscriber{text: ""}
	sink := &fakeSink{}
	p := NewPipeline(sttClient, &fakeStreamer{deltas: []string{"unused"}}, &fakeSynthesizer{}, &fakeKB{}, sink, noPacingConfig(), nil)

	if err := p.RunTurn(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.media) != 0 {
		t.Fatalf("expected no outbound media when STT returns an empty transcript")
	}
}

func TestRunTurnAbortsImmediatelyOnPendingBargeIn(t *testing.T) {
	s := NewSession("call1", 8000)
	s.AppendInboundPCM(loudPCM(3200))
	s.SetBargeInPending()

	sttClient := &fakeTranscriber{text: "should not be reached"}
	sink := &fakeSink{}
	p := NewPipeline(sttClient, &fakeStreamer{deltas: []string{"unused"}}, &fakeSynthesizer{}, &fakeKB{}, sink, noPacingConfig(), nil)

	if err := p.RunTurn(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.History()) != 0 {
		t.Fatalf("expected barge-in to abort the turn before STT runs")
	}
}

// TestMidReplyBargeInStopsStreamingAndSkipsFinalMark exercises the scenario
// where the user interrupts as soon as the first fragment has been
// synthesized: the second fragment must never reach synthesis, and no final
// mark is emitted.
func TestMidReplyBargeInStopsStreamingAndSkipsFinalMark(t *testing.T) {
	s := NewSession("call1", 8000)
	s.AppendInboundPCM(loudPCM(3200))

	sttClient := &fakeTranscriber{text: "hello"}
	streamer := &fakeStreamer{
		deltas:  []string{"First sentence. ", "Second sentence that keeps going on and on past the limit."},
		session: s,
	}
	synth := &fakeSynthesizer{}
	sink := &fakeSink{}
	p := NewPipeline(sttClient, streamer, synth, &fakeKB{}, sink, noPacingConfig(), nil)

	// The fake synthesizer is where we inject the barge-in: after the first
	// fragment is synthesized, flag the session so the writer stage notices
	// on the very next poll.
	origSynth := synth
	wrapped := &bargeOnFirstCallSynth{inner: origSynth, session: s}
	p.tts = wrapped

	if err := p.RunTurn(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.marks) != 0 {
		t.Fatalf("expected no final mark after a mid-reply barge-in, got %v", sink.marks)
	}
	if len(wrapped.inner.calls) != 1 {
		t.Fatalf("expected exactly one fragment synthesized before the barge-in, got %d: %v", len(wrapped.inner.calls), wrapped.inner.calls)
	}

	hist := s.History()
	for _, turn := range hist {
		if turn.Role == RoleAssistant && !strings.Contains(turn.Text, "INTERUPTED") {
			t.Fatalf("expected the interrupted assistant reply to be tagged, got %q", turn.Text)
		}
	}
}

type bargeOnFirstCallSynth struct {
	inner   *fakeSynthesizer
	session *Session
}

func (b *bargeOnFirstCallSynth) Synthesize(ctx context.Context, text, voice string, targetSampleRate int) (tts.Result, error) {
	result, err := b.inner.Synthesize(ctx, text, voice, targetSampleRate)
	b.inner.mu.Lock()
	n := len(b.inner.calls)
	b.inner.mu.Unlock()
	if n == 1 {
		b.session.SetBargeInPending()
	}
	return result, err
}

func TestFlushDecisionOnSentenceBoundary(t *testing.T) {
	fragment, remainder, ok := flushDecision("Hello there. How are")
	if !ok {
		t.Fatalf("expected a flush boundary at the sentence terminator")
	}
	if fragment != "Hello there." {
		t.Fatalf("expected fragment %q, got %q", "Hello there.", fragment)
	}
	if remainder != " How are" {
		t.Fatalf("expected remainder %q, got %q", " How are", remainder)
	}
}

func TestFlushDecisionOnLengthFallback(t *testing.T) {
	buf := "this sentence just keeps going and going without any punctuation at all here"
	fragment, _, ok := flushDecision(buf)
	if !ok {
		t.Fatalf("expected the length fallback to trigger a flush")
	}
	if len(fragment) > 100 {
		t.Fatalf("expected fragment to be capped near 100 chars, got %d", len(fragment))
	}
}

func TestFlushDecisionNoBoundaryYet(t *testing.T) {
	_, _, ok := flushDecision("short")
	if ok {
		t.Fatalf("expected no flush boundary for a short fragment with no terminator")
	}
}

func TestPostProcessReplyStripsMarkdownAndTruncates(t *testing.T) {
	in := "# Heading\nThis is **bold** and _italic_ and `code` and a [link](https://example.com)"
	out := postProcessReply(in)
	if strings.ContainsAny(out, "#*_`[]") {
		t.Fatalf("expected markdown stripped, got %q", out)
	}
	if !strings.Contains(out, "link") {
		t.Fatalf("expected link text preserved, got %q", out)
	}
	if out[len(out)-1] != '.' {
		t.Fatalf("expected trailing terminal punctuation, got %q", out)
	}
}

func TestPostProcessReplyTruncatesAtSentenceBoundary(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString(fmt.Sprintf("Sentence number %d is here. ", i))
	}
	out := postProcessReply(b.String())
	if len(out) > 300 {
		t.Fatalf("expected truncation to <=300 chars, got %d", len(out))
	}
	if out[len(out)-1] != '.' {
		t.Fatalf("expected truncated text to end on a sentence boundary, got %q", out)
	}
}

func TestHasEnoughEnergyRejectsSilence(t *testing.T) {
	if hasEnoughEnergy(make([]byte, 3200), 100, 0.05) {
		t.Fatalf("expected all-zero pcm to fail the silence gate")
	}
}

func TestHasEnoughEnergyAcceptsLoudAudio(t *testing.T) {
	if !hasEnoughEnergy(loudPCM(3200), 100, 0.05) {
		t.Fatalf("expected loud pcm to pass the silence gate")
	}
}

func TestMaybeTriggerTurnIsExclusiveAndAsync(t *testing.T) {
	s := NewSession("call1", 8000)
	s.AppendInboundPCM(loudPCM(32000)) // 2s at 8kHz: the turn threshold

	block := make(chan struct{})
	started := make(chan struct{})
	sttClient := &blockingTranscriber{started: started, block: block}
	sink := &fakeSink{}
	p := NewPipeline(sttClient, &fakeStreamer{deltas: []string{"ok."}}, &fakeSynthesizer{}, &fakeKB{}, sink, noPacingConfig(), nil)

	p.MaybeTriggerTurn(context.Background(), s)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("expected the turn to start")
	}

	// A second threshold-crossing while the first turn is still in flight
	// must not spawn a concurrent turn.
	s.AppendInboundPCM(loudPCM(32000))
	p.MaybeTriggerTurn(context.Background(), s)

	close(block)
	time.Sleep(50 * time.Millisecond)

	if n := atomic.LoadInt32(&sttClient.calls); n != 1 {
		t.Fatalf("expected exactly one turn to reach STT, got %d", n)
	}
}

type blockingTranscriber struct {
	started chan struct{}
	block   chan struct{}
	once    sync.Once
	calls   int32
}

func (b *blockingTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	atomic.AddInt32(&b.calls, 1)
	b.once.Do(func() { close(b.started) })
	<-b.block
	return "", nil
}

func TestRunGreetingSendsAudioAndFinalMark(t *testing.T) {
	s := NewSession("call1", 8000)
	s.SetStreamSID("S1")
	s.SetCustomParameters(map[string]string{"greeting": "Hi."})

	sink := &fakeSink{}
	p := NewPipeline(&fakeTranscriber{}, &fakeStreamer{}, &fakeSynthesizer{}, &fakeKB{}, sink, noPacingConfig(), nil)

	p.RunGreeting(context.Background(), s)

	if s.GreetingState() != GreetingDone {
		t.Fatalf("expected greeting_state done, got %v", s.GreetingState())
	}
	if len(sink.media) == 0 {
		t.Fatalf("expected greeting audio frames")
	}
	if len(sink.marks) != 1 || sink.marks[0] != "assistant_reply_done" {
		t.Fatalf("expected one assistant_reply_done mark, got %v", sink.marks)
	}
	if sink.media[0].seq != 0 {
		t.Fatalf("expected the greeting's first frame to carry sequence_number 0, got %d", sink.media[0].seq)
	}
}

func TestRunGreetingIsANoOpOnceNotPending(t *testing.T) {
	s := NewSession("call1", 8000)
	s.SetStreamSID("S1")
	s.BeginGreeting()
	s.CompleteGreeting()

	sink := &fakeSink{}
	p := NewPipeline(&fakeTranscriber{}, &fakeStreamer{}, &fakeSynthesizer{}, &fakeKB{}, sink, noPacingConfig(), nil)
	p.RunGreeting(context.Background(), s)

	if len(sink.media) != 0 || len(sink.marks) != 0 {
		t.Fatalf("expected no frames once greeting_state is already done")
	}
}

func TestRunGreetingWithoutStreamSIDDoesNothing(t *testing.T) {
	s := NewSession("call1", 8000)
	sink := &fakeSink{}
	p := NewPipeline(&fakeTranscriber{}, &fakeStreamer{}, &fakeSynthesizer{}, &fakeKB{}, sink, noPacingConfig(), nil)
	p.RunGreeting(context.Background(), s)

	if s.GreetingState() != GreetingPending {
		t.Fatalf("expected greeting_state to remain pending without a stream_sid")
	}
}

func TestRunGreetingRevertsAndKeepsAliveOnSynthesisFailure(t *testing.T) {
	s := NewSession("call1", 8000)
	s.SetStreamSID("S1")

	sink := &fakeSink{}
	synth := &fakeSynthesizer{err: fmt.Errorf("provider down")}
	p := NewPipeline(&fakeTranscriber{}, &fakeStreamer{}, synth, &fakeKB{}, sink, noPacingConfig(), nil)
	p.RunGreeting(context.Background(), s)

	if s.GreetingState() != GreetingPending {
		t.Fatalf("expected greeting_state reverted to pending after synth failure, got %v", s.GreetingState())
	}
	if len(sink.media) == 0 {
		t.Fatalf("expected a silence keepalive to be streamed despite the synthesis failure")
	}
	if len(sink.marks) != 0 {
		t.Fatalf("expected no assistant_reply_done mark for the silence keepalive, got %v", sink.marks)
	}
}

func TestGreetingTextPrefixAndQuotesAreStripped(t *testing.T) {
	s := NewSession("call1", 8000)
	got := greetingTextFor(s, `GREETING_TEXT="Hi there."`)
	if got != "Hi there." {
		t.Fatalf("expected stripped greeting text %q, got %q", "Hi there.", got)
	}
}

func TestGreetingTextPrefersCustomParameterOverDefault(t *testing.T) {
	s := NewSession("call1", 8000)
	s.SetCustomParameters(map[string]string{"greeting": "Namaste."})
	got := greetingTextFor(s, "fallback text")
	if got != "Namaste." {
		t.Fatalf("expected custom_parameters.greeting to win, got %q", got)
	}
}
