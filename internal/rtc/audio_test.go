package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

const testFrameSamples = 48000 * outboundFrameMs / 1000

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusPacedWriter_PacerWritesFramesToTrack(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil, // encoder not needed: pushFrame bypasses it
		track:        ft,
		sampleRate:   48000,
		frameSamples: testFrameSamples,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(5 * outboundFrameMs * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame to the track")
	}
}

func TestOpusPacedWriter_ResetDropsQueuedAudio(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil,
		track:        ft,
		sampleRate:   48000,
		frameSamples: testFrameSamples,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
		pcmBuf:       []int16{1, 2, 3},
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained by a barge-in Reset")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}
