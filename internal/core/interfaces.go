// Package core defines the contracts shared between the broker's components and
// the external collaborators it drives.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	UploadFile(ctx context.Context, key, path string) error
}

// Language is the coarse language label attached to a text before synthesis.
type Language string

// Language labels produced by the classifier.
const (
	LanguageNative  Language = "native"
	LanguageForeign Language = "foreign"
	LanguageMixed   Language = "mixed"
)

// SamplingParams controls the randomness of the acoustic model.
type SamplingParams struct {
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	Temperature float64 `json:"temperature"`
}

// SynthesisRequest holds everything the synthesis gateway needs for one call.
// It is derived per job and never persisted.
type SynthesisRequest struct {
	Text               string         `json:"text"`
	TextLanguage       Language       `json:"text_language"`
	ReferenceAudioPath string         `json:"ref_audio_path"`
	ReferenceText      string         `json:"prompt_text"`
	ReferenceLanguage  Language       `json:"prompt_language"`
	CutStrategy        string         `json:"cut_strategy"`
	Sampling           SamplingParams `json:"sampling"`
	Speed              float64        `json:"speed"`
	SampleSteps        int            `json:"sample_steps"`
	PauseSeconds       float64        `json:"pause_seconds"`
}

// Synthesis is the raw output of one gateway call: mono 16-bit PCM.
type Synthesis struct {
	SampleRate int
	Samples    []int16
}

// SynthesisGateway produces raw audio for a request. Implementations block for
// the duration of model inference.
type SynthesisGateway interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*Synthesis, error)
}

// Transcoder converts the raw WAV at rawPath into the compressed artifact at
// targetPath.
type Transcoder interface {
	Transcode(ctx context.Context, rawPath, targetPath string) error
}
