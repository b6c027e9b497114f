package barge

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"
)

// Lightweight DSP stubs: enough to vote on speech-over-assistant without
// pulling in a CGO AEC/VAD library for a local test harness. A production
// carrier-facing path wouldn't need any of this, since the carrier's own
// `clear` event is the authoritative interruption signal there.

type passthroughAEC struct {
	refRing *circularPCM
}

func newPassthroughAEC(sr int) *passthroughAEC { return &passthroughAEC{refRing: newCircularPCM(2000, sr)} }

// feedRef accepts 10ms of TTS reference audio at the engine's sample rate.
func (a *passthroughAEC) feedRef(frame pcmFrame10ms) { a.refRing.Write(frame) }

// process is a placeholder for real acoustic echo cancellation; it passes
// the near-end frame through unchanged.
func (a *passthroughAEC) process(near pcmFrame10ms) pcmFrame10ms {
	out := make([]int16, len(near))
	copy(out, near)
	return pcmFrame10ms(out)
}

type energyVAD struct {
	threshold float64
	smoothN   int
	win       []bool
}

func newEnergyVAD(threshold float64) *energyVAD {
	return &energyVAD{threshold: threshold, smoothN: 4}
}

func (v *energyVAD) isSpeech(frame pcmFrame10ms) bool {
	if len(frame) == 0 {
		return false
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	b := rms >= v.threshold
	v.win = append(v.win, b)
	if len(v.win) > v.smoothN {
		v.win = v.win[len(v.win)-v.smoothN:]
	}
	trueCount := 0
	for _, x := range v.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(v.win)
}

type residualEnergyDTD struct {
	threshold   float64
	lastOverlap bool
}

func newResidualEnergyDTD(threshold float64) *residualEnergyDTD {
	return &residualEnergyDTD{threshold: threshold}
}

// overlap is a simplified double-talk heuristic: overlap is declared when the
// RMS of the residual mic window exceeds the threshold. The TTS reference
// window is not consulted.
func (d *residualEnergyDTD) overlap(residualWin []pcmFrame10ms, _ []pcmFrame10ms) bool {
	var sum float64
	var n int
	for _, f := range residualWin {
		for _, s := range f {
			x := float64(s)
			sum += x * x
			n++
		}
	}
	if n == 0 {
		return false
	}
	rms := math.Sqrt(sum / float64(n))
	d.lastOverlap = rms > d.threshold
	return d.lastOverlap
}

// circularPCM stores 16-bit PCM samples for pre-roll and the AEC reference ring.
type circularPCM struct {
	mu       sync.Mutex
	buf      []int16
	cap      int
	writePos int
	sr       int
}

func newCircularPCM(capacityMs int, sampleRate int) *circularPCM {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &circularPCM{buf: make([]int16, samples), cap: samples, sr: sampleRate}
}

func (c *circularPCM) Write(frame pcmFrame10ms) {
	c.mu.Lock()
	for _, s := range frame {
		c.buf[c.writePos] = s
		c.writePos = (c.writePos + 1) % c.cap
	}
	c.mu.Unlock()
}

func (c *circularPCM) ReadLastMs(ms int) []int16 {
	c.mu.Lock()
	n := ms * c.sr / 1000
	if n > c.cap {
		n = c.cap
	}
	out := make([]int16, n)
	start := (c.writePos - n + c.cap) % c.cap
	for i := 0; i < n; i++ {
		out[i] = c.buf[(start+i)%c.cap]
	}
	c.mu.Unlock()
	return out
}

func (c *circularPCM) ZeroLastMs(ms int) {
	c.mu.Lock()
	n := ms * c.sr / 1000
	if n > c.cap {
		n = c.cap
	}
	for i := 0; i < n; i++ {
		idx := (c.writePos - 1 - i + c.cap) % c.cap
		c.buf[idx] = 0
	}
	c.mu.Unlock()
}

type voteWindow struct {
	winDur time.Duration
	hist   []bool
	mu     sync.Mutex
}

func newVoteWindow(ms int) *voteWindow {
	return &voteWindow{winDur: time.Duration(ms) * time.Millisecond}
}

func (v *voteWindow) Push(b bool) {
	v.mu.Lock()
	v.hist = append(v.hist, b)
	max := int(v.winDur/(10*time.Millisecond)) + 1
	if len(v.hist) > max {
		v.hist = v.hist[len(v.hist)-max:]
	}
	v.mu.Unlock()
}

func (v *voteWindow) Ratio() float64 {
	v.mu.Lock()
	if len(v.hist) == 0 {
		v.mu.Unlock()
		return 0
	}
	var t int
	for _, b := range v.hist {
		if b {
			t++
		}
	}
	r := float64(t) / float64(len(v.hist))
	v.mu.Unlock()
	return r
}

func (v *voteWindow) Reset() {
	v.mu.Lock()
	v.hist = v.hist[:0]
	v.mu.Unlock()
}

// frameWindow holds a fixed-size window of the latest 10ms frames.
type frameWindow struct {
	mu     sync.Mutex
	frames []pcmFrame10ms
	size   int
}

func newFrameWindow(n int) *frameWindow { return &frameWindow{size: n} }

func (w *frameWindow) Push(f pcmFrame10ms) {
	w.mu.Lock()
	w.frames = append(w.frames, f)
	if len(w.frames) > w.size {
		w.frames = w.frames[len(w.frames)-w.size:]
	}
	w.mu.Unlock()
}

func (w *frameWindow) Snapshot() []pcmFrame10ms {
	w.mu.Lock()
	cp := make([]pcmFrame10ms, len(w.frames))
	copy(cp, w.frames)
	w.mu.Unlock()
	return cp
}

// wordBloom is a tiny bloom filter used to discount words the assistant is
// itself currently speaking, so the ASR-growth vote doesn't fire on echo.
type wordBloom struct{ bits []byte }

func newWordBloom(n int) *wordBloom { return &wordBloom{bits: make([]byte, n)} }

func (b *wordBloom) hash(s string) int {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return int(h) % len(b.bits)
}
func (b *wordBloom) Add(s string) {
	if len(b.bits) > 0 {
		b.bits[b.hash(s)] = 1
	}
}
func (b *wordBloom) Contains(s string) bool { return len(b.bits) > 0 && b.bits[b.hash(s)] == 1 }

// EngineImpl implements Engine for one rtcCall.
type EngineImpl struct {
	cfg Config
	ev  Events

	speaking bool

	aec      *passthroughAEC
	vad      *energyVAD
	dtd      *residualEnergyDTD
	micWin   *frameWindow
	refWin   *frameWindow
	ttsRef   *circularPCM
	preRoll  *circularPCM
	votesOn  *voteWindow
	votesOff *voteWindow
	ttsBloom *wordBloom

	// partial handling
	lastPartial string
	lastTokens  []string

	mu sync.Mutex
}

func NewEngine(cfg Config, ev Events) *EngineImpl {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.VADAmplitudeThreshold == 0 {
		cfg.VADAmplitudeThreshold = 300
	}
	if cfg.DTDOverlapRMSThreshold == 0 {
		cfg.DTDOverlapRMSThreshold = 500
	}
	e := &EngineImpl{
		cfg:      cfg,
		ev:       ev,
		aec:      newPassthroughAEC(cfg.SampleRate),
		vad:      newEnergyVAD(cfg.VADAmplitudeThreshold),
		dtd:      newResidualEnergyDTD(cfg.DTDOverlapRMSThreshold),
		micWin:   newFrameWindow(16), // ~160ms
		refWin:   newFrameWindow(16),
		ttsRef:   newCircularPCM(2000, cfg.SampleRate),
		preRoll:  newCircularPCM(300, cfg.SampleRate),
		votesOn:  newVoteWindow(cfg.FuseWinMs),
		votesOff: newVoteWindow(cfg.HysteresisOffMs),
		ttsBloom: newWordBloom(4096),
	}
	return e
}

func (e *EngineImpl) Reset() {
	e.mu.Lock()
	e.votesOn.Reset()
	e.votesOff.Reset()
	e.lastPartial = ""
	e.lastTokens = nil
	e.mu.Unlock()
	e.preRoll.ZeroLastMs(300)
}

func (e *EngineImpl) SetSpeaking(on bool) { e.mu.Lock(); e.speaking = on; e.mu.Unlock() }

// FeedMic16k feeds arbitrary-length 16kHz PCM16LE mic audio; the engine
// segments it into 10ms frames.
func (e *EngineImpl) FeedMic16k(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	samplesPer10ms := e.cfg.SampleRate / 100
	for off := 0; off+samplesPer10ms*2 <= len(pcm); off += samplesPer10ms * 2 {
		frame := make([]int16, samplesPer10ms)
		for i := 0; i < samplesPer10ms; i++ {
			frame[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*2 : off+i*2+2]))
		}
		e.onMicFrame(pcmFrame10ms(frame))
	}
}

// FeedTTS48k feeds 48kHz PCM16LE TTS reference audio (internal/rtc's
// outbound WebRTC track rate); when cfg.SampleRate is 16kHz it is decimated by
// 3 for the AEC reference, and at any other rate it is not fed.
func (e *EngineImpl) FeedTTS48k(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	// decimate by 3 if SampleRate==16k; otherwise, naive resample omitted for brevity.
	if e.cfg.SampleRate == 16000 {
		samplesPer10ms48k := 480
		for off := 0; off+samplesPer10ms48k*2 <= len(pcm); off += samplesPer10ms48k * 2 {
			ref48 := make([]int16, samplesPer10ms48k)
			for i := 0; i < samplesPer10ms48k; i++ {
				ref48[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*2 : off+i*2+2]))
			}
			ref16 := make([]int16, samplesPer10ms48k/3)
			for i := 0; i < len(ref16); i++ {
				ref16[i] = ref48[i*3]
			}
			e.aec.feedRef(pcmFrame10ms(ref16))
			e.ttsRef.Write(pcmFrame10ms(ref16))
			e.refWin.Push(pcmFrame10ms(ref16))
		}
	}
}

// NotifyPartial supplies the running transcript text; the engine derives
// token growth against the previous partial.
func (e *EngineImpl) NotifyPartial(text string) {
	e.mu.Lock()
	e.lastPartial = text
	e.mu.Unlock()
}

// NotifyTTSText lets the engine discount echoed words while the assistant is
// speaking.
func (e *EngineImpl) NotifyTTSText(text string) {
	fields := strings.Fields(strings.ToLower(text))
	for _, w := range fields {
		e.ttsBloom.Add(w)
	}
}

func (e *EngineImpl) StartSpeaking(_ context.Context, _ <-chan string) {}
func (e *EngineImpl) CancelSpeaking()                                  {}

// onMicFrame runs the fusion vote for one 10ms mic frame.
func (e *EngineImpl) onMicFrame(frame pcmFrame10ms) {
	e.mu.Lock()
	speaking := e.speaking
	e.mu.Unlock()

	residual := e.aec.process(frame)
	e.preRoll.Write(residual)
	e.micWin.Push(residual)

	vadYes := e.vad.isSpeech(residual)
	dtdYes := e.dtd.overlap(e.micWin.Snapshot(), e.refWin.Snapshot())
	asrYes := e.asrGrowth()

	vote := 0
	if vadYes {
		vote++
	}
	if asrYes {
		vote++
	}
	if dtdYes {
		vote++
	}

	if speaking {
		e.votesOn.Push(vote >= 2)
		e.votesOff.Push(vote == 0)
		if e.votesOn.Ratio() >= 2.0/3.0 {
			e.trigger()
			return
		}
		if e.votesOff.Ratio() >= 2.0/3.0 {
			e.votesOn.Reset()
		}
	}
}

func (e *EngineImpl) asrGrowth() bool {
	e.mu.Lock()
	text := e.lastPartial
	e.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return false
	}
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return false
	}
	newCount := 0
	maxPrev := len(e.lastTokens)
	for i := maxPrev; i < len(tokens); i++ {
		w := tokens[i]
		if isStopword(w) {
			continue
		}
		if e.ttsBloom.Contains(w) {
			continue
		}
		newCount++
		if newCount >= e.cfg.ASRTokens {
			e.lastTokens = tokens
			return true
		}
	}
	e.lastTokens = tokens
	return false
}

func (e *EngineImpl) trigger() {
	// zero last 300ms in the TTS reference to reduce AEC confusion
	e.ttsRef.ZeroLastMs(300)
	pre := e.preRoll.ReadLastMs(e.cfg.PreRollMs)
	preBytes := make([]byte, len(pre)*2)
	for i, s := range pre {
		binary.LittleEndian.PutUint16(preBytes[i*2:(i+1)*2], uint16(s))
	}
	if e.ev.OnTTSStop != nil {
		e.ev.OnTTSStop(time.Now())
	}
	if e.ev.OnTrigger != nil {
		e.ev.OnTrigger(time.Now(), Cues{VAD: true, ASR: true, DTD: true}, preBytes)
	}
	e.votesOn.Reset()
	e.votesOff.Reset()
}

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um":
		return true
	}
	return false
}
