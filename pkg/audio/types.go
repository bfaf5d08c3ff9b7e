// Package audio holds the PCM primitives shared by the call pipeline: the
// capture encoder, the playback scheduler, the call recorder, and the
// transport adapters that need to bridge sample rates.
//
// All PCM in this package is signed 16-bit little-endian mono unless a
// function says otherwise.
package audio

const (
	// InputSampleRate is the sample rate of microphone frames sent upstream.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of agent audio received from the
	// remote endpoint and scheduled for playback.
	OutputSampleRate = 24000

	// FrameSamples is the fixed number of samples per captured frame.
	FrameSamples = 4096

	bytesPerSample = 2
)
