package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/core"
)

const maxOutputInError = 512

// CommandGateway implements core.SynthesisGateway by running a local
// inference binary once per request.
type CommandGateway struct {
	binaryPath string
	tempDir    string
	log        *logger.Logger
}

// NewCommandGateway creates a gateway around binaryPath. Intermediate WAV
// files go to tempDir, or the system temp dir when empty.
func NewCommandGateway(binaryPath, tempDir string, log *logger.Logger) *CommandGateway {
	return &CommandGateway{
		binaryPath: binaryPath,
		tempDir:    tempDir,
		log:        log,
	}
}

// Args returns the command line for req, with the WAV written to outputPath.
func (g *CommandGateway) Args(req core.SynthesisRequest, outputPath string) []string {
	return []string{
		"--ref_audio", req.ReferenceAudioPath,
		"--ref_text", req.ReferenceText,
		"--ref_lang", string(req.ReferenceLanguage),
		"--text", req.Text,
		"--text_lang", string(req.TextLanguage),
		"--how_to_cut", req.CutStrategy,
		"--top_k", strconv.Itoa(req.Sampling.TopK),
		"--top_p", strconv.FormatFloat(req.Sampling.TopP, 'f', 2, 64),
		"--temperature", strconv.FormatFloat(req.Sampling.Temperature, 'f', 2, 64),
		"--speed", strconv.FormatFloat(req.Speed, 'f', 2, 64),
		"--sample_steps", strconv.Itoa(req.SampleSteps),
		"--pause_second", strconv.FormatFloat(req.PauseSeconds, 'f', 2, 64),
		"--output", outputPath,
	}
}

// Synthesize runs the inference binary and decodes the WAV it writes.
func (g *CommandGateway) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.Synthesis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	tempFile, err := os.CreateTemp(g.tempDir, "synthesis-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for synthesis output: %w", err)
	}

	tempPath := tempFile.Name()
	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			g.log.Warn("Failed to remove temp file '%s': %v", tempPath, removeErr)
		}
	}()

	// #nosec G204 -- binary path comes from configuration, arguments are passed without a shell
	cmd := exec.CommandContext(ctx, g.binaryPath, g.Args(req, tempPath)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("inference binary execution failed: %w - output: %s", err, truncate(output))
	}

	audioData, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	return decodeSynthesis(audioData)
}

func truncate(output []byte) string {
	text := strings.TrimSpace(string(output))
	if len(text) > maxOutputInError {
		return "..." + text[len(text)-maxOutputInError:]
	}

	return text
}
