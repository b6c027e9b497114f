package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestPCMToWAVHeader(t *testing.T) {
	pcm := make([]byte, 100)
	wav := PCMToWAV(pcm, 16000)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("expected len %d, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers")
	}
	if string(wav[12:16]) != "fmt " || string(wav[36:40]) != "data" {
		t.Fatalf("missing fmt/data markers")
	}
	sr := binary.LittleEndian.Uint32(wav[24:28])
	if sr != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", sr)
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Fatalf("data section does not match input pcm")
	}
}

func TestChunkConcatenationEqualsInput(t *testing.T) {
	pcm := make([]byte, 3200*3+123)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	frames, err := Chunk(pcm, 3200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []byte
	for i, f := range frames {
		if i < len(frames)-1 && len(f) != 3200 {
			t.Fatalf("non-final frame %d has wrong size %d", i, len(f))
		}
		if len(f)%320 != 0 && i != len(frames)-1 {
			t.Fatalf("frame %d size %d not a multiple of 320", i, len(f))
		}
		out = append(out, f...)
	}
	if !bytes.Equal(out, pcm) {
		t.Fatalf("concatenated chunks do not equal input")
	}
}

func TestChunkRejectsBadSize(t *testing.T) {
	if _, err := Chunk([]byte{1, 2, 3, 4}, 321); err == nil {
		t.Fatalf("expected error for non-multiple-of-320 chunk size")
	}
}

func TestChunkEmptyInput(t *testing.T) {
	frames, err := Chunk(nil, 320)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frames != nil {
		t.Fatalf("expected nil frames for empty input, got %v", frames)
	}
}

func TestResampleLengthApproximatelyCorrect(t *testing.T) {
	numSamples := 2400
	pcm := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(int16(i%100-50)))
	}
	out := Resample(pcm, 24000, 16000)
	expected := numSamples * 16000 / 24000
	got := len(out) / 2
	diff := got - expected
	if diff < -1 || diff > 1 {
		t.Fatalf("resampled length %d too far from expected %d", got, expected)
	}
}

func TestResampleSameRateIsCopy(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out := Resample(pcm, 16000, 16000)
	if !bytes.Equal(out, pcm) {
		t.Fatalf("expected identity copy for equal rates")
	}
}

func TestChunkSizeFor100ms(t *testing.T) {
	if got := ChunkSizeFor100ms(8000); got != 3200 {
		t.Fatalf("expected 3200 at 8kHz, got %d", got)
	}
	if got := ChunkSizeFor100ms(16000); got != 6400 {
		t.Fatalf("expected 6400 at 16kHz, got %d", got)
	}
}
