package tts

import (
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/config"
	"github.com/book-expert/speech-broker/internal/core"
)

// NewGateway builds the synthesis backend selected by cfg.Backend.
func NewGateway(cfg config.SynthesisConfig, tempDir string, log *logger.Logger) (core.SynthesisGateway, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		return NewHTTPGateway(cfg.ServiceURL, cfg.Timeout()), nil
	case config.BackendCommand:
		return NewCommandGateway(cfg.BinaryPath, tempDir, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}
