package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// outboundFrameMs is the Opus/RTP frame duration internal/rtc paces every
// call's outbound track at; it is independent of internal/agent's own 100ms
// outbound PCM chunking, which this writer re-slices into smaller frames.
const outboundFrameMs = 20

// sampleWriter is the part of *webrtc.TrackLocalStaticSample the pacer uses.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// OpusPacedWriter encodes one call's outbound PCM at sampleRate to Opus and
// paces the frames onto its WebRTC track at outboundFrameMs intervals, the
// cadence real-time RTP playback requires.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	sampleRate   int
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer for one call's outbound
// track. The track's media clock rate fixes sampleRate at 48000, the rate
// internal/rtc's handler always resamples the pipeline's PCM up to before
// calling WritePCM.
func NewOpusPacedWriter(track *webrtc.TrackLocalStaticSample) (*OpusPacedWriter, error) {
	const sampleRate = 48000
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		sampleRate:   sampleRate,
		frameSamples: sampleRate * outboundFrameMs / 1000,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers PCM mono data at the writer's sample rate and emits
// encoded Opus frames paced to the track.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		frame := w.pcmBuf[:w.frameSamples]
		n, _ := w.enc.Encode(frame, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail, so the call's last reply doesn't clip.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		n, _ := w.enc.Encode(pad, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()

	const silenceTailFrames = 10 // ~200ms at outboundFrameMs=20
	silence := make([]int16, w.frameSamples)
	for i := 0; i < silenceTailFrames; i++ {
		n, _ := w.enc.Encode(silence, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
	}
}

// Close stops the pacer goroutine.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(outboundFrameMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: outboundFrameMs * time.Millisecond})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		}
	}
}

// Reset drops any queued frames, for immediate barge-in: the assistant's
// in-flight reply stops going out the instant the caller is heard over it.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.mu.Unlock()
			return
		}
	}
}
