package audio

// Int16ToFloat32 converts little-endian int16 PCM samples in [-32768,32767]
// to float32 samples in [-1, 1], as the STT wire protocol and TTSAudio
// both expect.
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts float32 samples in [-1, 1] to int16 PCM,
// clamping anything outside that range.
func Float32ToInt16(pcm []float32) []int16 {
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

// MonoToStereoF32 duplicates each mono sample into an interleaved L+R pair.
func MonoToStereoF32(mono []float32) []float32 {
	out := make([]float32, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMonoF32 averages interleaved L+R pairs down to mono.
func StereoToMonoF32(stereo []float32) []float32 {
	frames := len(stereo) / 2
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		out[i] = (stereo[i*2] + stereo[i*2+1]) / 2
	}
	return out
}

// ResampleMonoF32 resamples mono float32 PCM from srcRate to dstRate using
// linear interpolation at float precision (STT's 16kHz mono and TTS's
// arbitrary-rate mono both go through it).
func ResampleMonoF32(pcm []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}
	srcSamples := len(pcm)
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := pcm[srcIdx]
		var s1 float32
		if srcIdx+1 < srcSamples {
			s1 = pcm[srcIdx+1]
		} else {
			s1 = s0
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResampleStereoF32 resamples interleaved stereo float32 PCM from srcRate
// to dstRate using linear interpolation.
func ResampleStereoF32(pcm []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcFrames := len(pcm) / 2
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstFrames; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0, r0 := pcm[srcIdx*2], pcm[srcIdx*2+1]
		var l1, r1 float32
		if srcIdx+1 < srcFrames {
			l1, r1 = pcm[(srcIdx+1)*2], pcm[(srcIdx+1)*2+1]
		} else {
			l1, r1 = l0, r0
		}

		out[i*2] = float32(float64(l0)*(1-frac) + float64(l1)*frac)
		out[i*2+1] = float32(float64(r0)*(1-frac) + float64(r1)*frac)
	}
	return out
}

// ToSTTFrame converts a single 48kHz stereo f32 frame from the transport
// into the 16kHz mono f32 frame the STT wire protocol expects: downmix
// first, then resample, matching the teacher's sibling converter's
// "resample first, channel-convert second" order inverted for the
// opposite direction (downmix is cheaper before resampling shrinks the
// sample count further). This is the one-shot, no-history conversion used
// where a single frame is resampled in isolation; the Dispatcher's
// streaming per-SSRC downsample path uses PolyphaseResampler instead, so
// that filter history carries across consecutive chunks.
func ToSTTFrame(stereo48k []float32, sttSampleRate int) []float32 {
	mono := StereoToMonoF32(stereo48k)
	return ResampleMonoF32(mono, 48000, sttSampleRate)
}

// ToPlaybackFrame converts a TTS result (mono or stereo float32 PCM at an
// arbitrary declared sample rate) into 48kHz stereo int16 PCM ready for
// the audio sink.
func ToPlaybackFrame(pcm []float32, sampleRate int, channels int) []int16 {
	out := pcm
	if channels == 1 {
		out = ResampleMonoF32(out, sampleRate, 48000)
		out = MonoToStereoF32(out)
	} else {
		out = ResampleStereoF32(out, sampleRate, 48000)
	}
	return Float32ToInt16(out)
}
