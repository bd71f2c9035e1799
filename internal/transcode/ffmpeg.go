// Package transcode converts raw synthesis WAV files into the compressed
// artifact format by driving ffmpeg.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/tts/audio"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// DefaultBinary is resolved through PATH.
const DefaultBinary = "ffmpeg"

const maxStderrInError = 512

var (
	// ErrTranscodeFailed indicates ffmpeg exited unsuccessfully.
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrEmptyOutput indicates ffmpeg reported success but wrote nothing.
	ErrEmptyOutput = errors.New("transcoder produced no output")
)

// muxers maps artifact formats to ffmpeg muxer names. The target path carries
// a staging suffix, so the muxer is always given explicitly.
var muxers = map[audio.Format]string{
	audio.FormatWAV:  "wav",
	audio.FormatMP3:  "mp3",
	audio.FormatFLAC: "flac",
	audio.FormatOGG:  "ogg",
	audio.FormatM4A:  "ipod",
	audio.FormatAAC:  "adts",
}

// Options configures an FFmpeg transcoder.
type Options struct {
	Binary  string
	Format  audio.Format
	Codec   string
	Quality int
}

// FFmpeg implements core.Transcoder on top of the ffmpeg CLI.
type FFmpeg struct {
	binary  string
	muxer   string
	codec   string
	quality int
	log     *logger.Logger
}

// New validates opts and returns a transcoder.
func New(opts Options, log *logger.Logger) (*FFmpeg, error) {
	muxer, ok := muxers[opts.Format]
	if !ok {
		return nil, fmt.Errorf("unsupported artifact format %q", opts.Format)
	}

	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}

	return &FFmpeg{
		binary:  opts.Binary,
		muxer:   muxer,
		codec:   opts.Codec,
		quality: opts.Quality,
		log:     log,
	}, nil
}

// Args returns the ffmpeg argument list for one conversion.
func (f *FFmpeg) Args(rawPath, targetPath string) []string {
	kwargs := ffmpeg.KwArgs{"f": f.muxer}

	if f.codec != "" {
		kwargs["codec:a"] = f.codec
	}

	if f.quality > 0 {
		kwargs["qscale:a"] = f.quality
	}

	return ffmpeg.Input(rawPath).
		Output(targetPath, kwargs).
		OverWriteOutput().
		GetArgs()
}

// Transcode converts rawPath into targetPath. On failure targetPath may hold
// a partial file; the caller owns its cleanup.
func (f *FFmpeg) Transcode(ctx context.Context, rawPath, targetPath string) error {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, f.binary, f.Args(rawPath, targetPath)...)
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrTranscodeFailed, ctx.Err())
		}

		return fmt.Errorf("%w: %w: %s", ErrTranscodeFailed, runErr, tail(stderr.String()))
	}

	info, statErr := os.Stat(targetPath)
	if statErr != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyOutput, targetPath)
	}

	if f.log != nil {
		f.log.Info("Transcoded %s -> %s (%d bytes)", rawPath, targetPath, info.Size())
	}

	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrInError {
		return "..." + s[len(s)-maxStderrInError:]
	}

	return s
}
