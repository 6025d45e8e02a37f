package ttscache

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the frame duration encoded per Opus packet. 20ms is the
// same frame size the Discord transport adapter uses, so cached audio and
// live transport audio share one codec configuration.
const opusFrameMs = 20

// encodeOpus mono-encodes pcm (float32, [-1,1], at sampleRate) into a
// length-prefixed sequence of Opus frames plus a small header carrying
// the sample rate, so decodeOpus can reconstruct playback-ready PCM
// without an out-of-band parameter.
func encodeOpus(pcm []float32, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return header(sampleRate), nil
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("new opus encoder: %w", err)
	}

	frameSize := sampleRate * opusFrameMs / 1000
	pcmI16 := floatToI16(pcm)

	out := header(sampleRate)
	for offset := 0; offset < len(pcmI16); offset += frameSize {
		end := offset + frameSize
		frame := make([]int16, frameSize)
		if end > len(pcmI16) {
			copy(frame, pcmI16[offset:])
		} else {
			copy(frame, pcmI16[offset:end])
		}
		encoded, err := enc.Encode(frame, frameSize, frameSize*4)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		out = appendFrame(out, encoded)
	}
	return out, nil
}

// decodeOpus reverses encodeOpus, returning mono float32 PCM and the
// sample rate recorded in the header.
func decodeOpus(data []byte) ([]float32, int, error) {
	sampleRate, body, err := readHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if len(body) == 0 {
		return nil, sampleRate, nil
	}

	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, 0, fmt.Errorf("new opus decoder: %w", err)
	}
	frameSize := sampleRate * opusFrameMs / 1000

	var pcm []int16
	for len(body) > 0 {
		frame, rest, err := readFrame(body)
		if err != nil {
			return nil, 0, err
		}
		body = rest
		decoded, err := dec.Decode(frame, frameSize, false)
		if err != nil {
			return nil, 0, fmt.Errorf("opus decode: %w", err)
		}
		pcm = append(pcm, decoded...)
	}
	return i16ToFloat(pcm), sampleRate, nil
}

func header(sampleRate int) []byte {
	h := make([]byte, 4)
	binary.LittleEndian.PutUint32(h, uint32(sampleRate))
	return h
}

func readHeader(data []byte) (int, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("ttscache: truncated opus header")
	}
	return int(binary.LittleEndian.Uint32(data[:4])), data[4:], nil
}

func appendFrame(buf, frame []byte) []byte {
	lenPrefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenPrefix, uint32(len(frame)))
	buf = append(buf, lenPrefix...)
	return append(buf, frame...)
}

func readFrame(buf []byte) (frame, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("ttscache: truncated opus frame length")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("ttscache: truncated opus frame data")
	}
	return buf[:n], buf[n:], nil
}

func floatToI16(pcm []float32) []int16 {
	out := make([]int16, len(pcm))
	for i, f := range pcm {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out[i] = int16(f * 32767)
	}
	return out
}

func i16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
