// Package audio implements PCM<->WAV framing, resampling and fixed-size chunking
// for 16-bit signed little-endian mono audio.
package audio

import (
	"encoding/binary"
	"fmt"
)

// PCMToWAV wraps raw 16-bit LE mono PCM in a 44-byte RIFF/WAVE header.
func PCMToWAV(pcm []byte, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8
	dataLen := len(pcm)

	wav := make([]byte, 44+dataLen)
	copy(wav[0:4], []byte("RIFF"))
	binary.LittleEndian.PutUint32(wav[4:8], uint32(36+dataLen))
	copy(wav[8:12], []byte("WAVE"))
	copy(wav[12:16], []byte("fmt "))
	binary.LittleEndian.PutUint32(wav[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(wav[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(wav[22:24], uint16(numChannels))
	binary.LittleEndian.PutUint32(wav[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(wav[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(wav[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(wav[34:36], uint16(bitsPerSample))
	copy(wav[36:40], []byte("data"))
	binary.LittleEndian.PutUint32(wav[40:44], uint32(dataLen))
	copy(wav[44:], pcm)
	return wav
}

// Resample converts 16-bit LE mono PCM from one sample rate to another using
// linear interpolation between adjacent samples. Any correct implementation is
// acceptable per the framing contract; this one is deliberately simple.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(pcm) < 2 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	numSrcSamples := len(pcm) / 2
	if numSrcSamples == 0 {
		return nil
	}
	src := make([]int16, numSrcSamples)
	for i := 0; i < numSrcSamples; i++ {
		src[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}

	numDstSamples := int(int64(numSrcSamples) * int64(toRate) / int64(fromRate))
	if numDstSamples <= 0 {
		return nil
	}
	dst := make([]byte, numDstSamples*2)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < numDstSamples; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		var sample float64
		if idx >= numSrcSamples-1 {
			sample = float64(src[numSrcSamples-1])
		} else {
			sample = float64(src[idx])*(1-frac) + float64(src[idx+1])*frac
		}
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(int16(sample)))
	}
	return dst
}

// Chunk splits pcm into fixed-size frames. chunkSize MUST be a multiple of 320
// bytes. The final frame may be shorter. Concatenating the returned frames
// reproduces the input exactly (lossless framing, no reordering).
func Chunk(pcm []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 || chunkSize%320 != 0 {
		return nil, fmt.Errorf("audio: chunk size %d must be a positive multiple of 320", chunkSize)
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	var frames [][]byte
	for start := 0; start < len(pcm); start += chunkSize {
		end := start + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := make([]byte, end-start)
		copy(frame, pcm[start:end])
		frames = append(frames, frame)
	}
	return frames, nil
}

// ChunkSizeFor100ms returns the byte chunk size used for outbound pacing at the
// given sample rate for 16-bit mono PCM: 3200 bytes at 8kHz, 6400 bytes at 16kHz.
func ChunkSizeFor100ms(sampleRate int) int {
	return sampleRate * 2 / 5
}
