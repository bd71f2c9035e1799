// Package artifact owns the on-disk store of synthesized audio: identifier
// generation, atomic publication, the retention rule and eviction.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/tts/audio"
	"github.com/book-expert/speech-broker/internal/tts/ttsutils"
)

const (
	rawSuffix     = ".raw.wav"
	stagingSuffix = ".part"
)

var (
	// ErrNotFound indicates the artifact does not exist or the id is malformed.
	ErrNotFound = errors.New("artifact not found")
	// ErrExpired indicates the artifact outlived the retention window.
	ErrExpired = errors.New("artifact expired")
	// ErrOutputDirEmpty indicates a store was configured without a directory.
	ErrOutputDirEmpty = errors.New("output directory cannot be empty")
	// ErrRetentionInvalid indicates a non-positive retention window.
	ErrRetentionInvalid = errors.New("retention must be positive")
)

// Artifact is one published synthesis result.
type Artifact struct {
	ID        ID
	Path      string
	CreatedAt time.Time
	SizeBytes int64
}

// Options configures a Store.
type Options struct {
	Dir       string
	Format    audio.Format
	Retention time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
	// Remove overrides file deletion; nil means ttsutils.RemoveIfExists.
	// It must treat a missing file as success.
	Remove func(path string) error
}

// Store is the filesystem-backed artifact store. It keeps no in-memory state
// beyond its configuration, so any number of goroutines may share one.
type Store struct {
	dir       string
	format    audio.Format
	retention time.Duration
	now       func() time.Time
	remove    func(path string) error
	log       *logger.Logger
}

// NewStore validates opts and creates the output directory.
func NewStore(opts Options, log *logger.Logger) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, ErrOutputDirEmpty
	}

	if opts.Retention <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrRetentionInvalid, opts.Retention)
	}

	if opts.Format == "" {
		opts.Format = audio.FormatMP3
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Remove == nil {
		opts.Remove = ttsutils.RemoveIfExists
	}

	dirErr := ttsutils.EnsureDir(opts.Dir)
	if dirErr != nil {
		return nil, dirErr
	}

	return &Store{
		dir:       opts.Dir,
		format:    opts.Format,
		retention: opts.Retention,
		now:       opts.Now,
		remove:    opts.Remove,
		log:       log,
	}, nil
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Format returns the format of published artifacts.
func (s *Store) Format() audio.Format { return s.format }

// Retention returns the retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }

// RawPath is where the uncompressed synthesis output for id is written.
func (s *Store) RawPath(id ID) string {
	return filepath.Join(s.dir, string(id)+rawSuffix)
}

// StagingPath is where the transcoder writes before publication.
func (s *Store) StagingPath(id ID) string {
	return s.FinalPath(id) + stagingSuffix
}

// FinalPath is the only path the retrieval side ever opens.
func (s *Store) FinalPath(id ID) string {
	return filepath.Join(s.dir, string(id)+"."+string(s.format))
}

// Expired is the single retention rule shared by lazy and periodic eviction.
func (s *Store) Expired(createdAt, now time.Time) bool {
	return now.Sub(createdAt) > s.retention
}

// Publish atomically moves a fully written staging file to its final name.
func (s *Store) Publish(id ID, stagedPath string) (Artifact, error) {
	finalPath := s.FinalPath(id)

	renameErr := os.Rename(stagedPath, finalPath)
	if renameErr != nil {
		return Artifact{}, fmt.Errorf("failed to publish artifact %s: %w", id, renameErr)
	}

	info, statErr := os.Stat(finalPath)
	if statErr != nil {
		return Artifact{}, fmt.Errorf("failed to stat artifact %s: %w", id, statErr)
	}

	return Artifact{
		ID:        id,
		Path:      finalPath,
		CreatedAt: info.ModTime(),
		SizeBytes: info.Size(),
	}, nil
}

// Stat returns the artifact for id without applying the retention rule.
func (s *Store) Stat(id ID) (Artifact, error) {
	if !ValidID(string(id)) {
		return Artifact{}, ErrNotFound
	}

	finalPath := s.FinalPath(id)

	info, err := os.Stat(finalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifact{}, ErrNotFound
		}

		return Artifact{}, fmt.Errorf("failed to stat artifact %s: %w", id, err)
	}

	if !info.Mode().IsRegular() {
		return Artifact{}, ErrNotFound
	}

	return Artifact{
		ID:        id,
		Path:      finalPath,
		CreatedAt: info.ModTime(),
		SizeBytes: info.Size(),
	}, nil
}

// Open returns a read handle for a live artifact. An expired artifact is
// deleted on the spot and reported as ErrExpired.
func (s *Store) Open(id ID) (*os.File, Artifact, error) {
	art, err := s.Stat(id)
	if err != nil {
		return nil, Artifact{}, err
	}

	if s.Expired(art.CreatedAt, s.now()) {
		removeErr := s.remove(art.Path)
		if removeErr != nil {
			s.log.Warn("Failed to delete expired artifact %s: %v", id, removeErr)
		}

		return nil, Artifact{}, ErrExpired
	}

	file, err := os.Open(art.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Artifact{}, ErrNotFound
		}

		return nil, Artifact{}, fmt.Errorf("failed to open artifact %s: %w", id, err)
	}

	return file, art, nil
}

// Remove deletes every file belonging to id: raw, staging and final.
func (s *Store) Remove(id ID) error {
	var errs []error

	for _, path := range []string{s.RawPath(id), s.StagingPath(id), s.FinalPath(id)} {
		removeErr := s.remove(path)
		if removeErr != nil {
			errs = append(errs, removeErr)
		}
	}

	return errors.Join(errs...)
}

// RemoveFile deletes a single path inside the store; missing is success.
func (s *Store) RemoveFile(path string) error {
	return s.remove(path)
}

// SweepReport summarizes one eviction pass.
type SweepReport struct {
	Scanned int
	Deleted int
	Failed  int
}

// Sweep deletes every regular file in the store older than the retention
// window. A file that cannot be deleted is logged and skipped.
func (s *Store) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return report, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	now := s.now()

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if !entry.Type().IsRegular() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			// Deleted between listing and stat.
			continue
		}

		report.Scanned++

		if !s.Expired(info.ModTime(), now) {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())

		removeErr := s.remove(path)
		if removeErr != nil {
			report.Failed++
			s.log.Error("Failed to delete expired file %s: %v", path, removeErr)

			continue
		}

		report.Deleted++
		s.log.Info("Deleted expired file %s (age %s)", path, ttsutils.FormatAge(now.Sub(info.ModTime())))
	}

	return report, nil
}
