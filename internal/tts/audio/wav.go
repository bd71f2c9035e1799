// Package audio encodes and decodes the raw PCM exchanged with the synthesis
// gateway and maps artifact formats to content types.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PCM layout used for every raw synthesis file.
const (
	BitDepth    = 16
	NumChannels = 1
	pcmFormat   = 1
	filePerm    = 0o600
)

var (
	// ErrInvalidWAV indicates the input is not a decodable RIFF/WAVE stream.
	ErrInvalidWAV = errors.New("invalid wav data")
	// ErrUnsupportedBitDepth indicates a WAV stream that is not 16-bit PCM.
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")
	// ErrInvalidSampleRate indicates a non-positive sample rate.
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
)

// Format represents supported artifact formats.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
	FormatAAC  Format = "aac"
)

// ContentType returns the MIME type served for an artifact of this format.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	case FormatOGG:
		return "audio/ogg"
	case FormatM4A, FormatAAC:
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

// WriteWAVFile writes mono 16-bit samples to path as a WAV file.
func WriteWAVFile(path string, sampleRate int, samples []int16) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create wav file %s: %w", path, err)
	}

	writeErr := WriteWAV(file, sampleRate, samples)
	closeErr := file.Close()

	if writeErr != nil {
		return writeErr
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close wav file %s: %w", path, closeErr)
	}

	return nil
}

// WriteWAV encodes mono 16-bit samples into w.
func WriteWAV(w io.WriteSeeker, sampleRate int, samples []int16) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSampleRate, sampleRate)
	}

	data := make([]int, len(samples))
	for i, sample := range samples {
		data[i] = int(sample)
	}

	encoder := wav.NewEncoder(w, sampleRate, BitDepth, NumChannels, pcmFormat)

	err := encoder.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: NumChannels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: BitDepth,
	})
	if err != nil {
		return fmt.Errorf("failed to encode wav samples: %w", err)
	}

	err = encoder.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize wav header: %w", err)
	}

	return nil
}

// ReadWAV decodes a 16-bit PCM WAV stream, averaging channels down to mono.
func ReadWAV(r io.ReadSeeker) (int, []int16, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return 0, nil, ErrInvalidWAV
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	if int(decoder.BitDepth) != BitDepth {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, decoder.BitDepth)
	}

	sampleRate := int(decoder.SampleRate)
	if sampleRate <= 0 {
		return 0, nil, fmt.Errorf("%w: got %d", ErrInvalidSampleRate, sampleRate)
	}

	channels := int(decoder.NumChans)
	if channels < 1 {
		channels = 1
	}

	frames := len(buffer.Data) / channels
	samples := make([]int16, frames)

	for frame := range frames {
		sum := 0
		for channel := range channels {
			sum += buffer.Data[frame*channels+channel]
		}

		samples[frame] = int16(sum / channels)
	}

	return sampleRate, samples, nil
}
