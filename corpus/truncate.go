package corpus

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const truncatedMarker = "_truncated_"

// MaxBoundarySlack is the most a truncation can grow past the requested
// size to reach the next code point boundary.
const MaxBoundarySlack = utf8.UTFMax - 1

const (
	DefaultLockTimeout = 10 * time.Minute
	DefaultRetryDelay  = 100 * time.Millisecond
)

// TruncatedArtifact is a prefix copy of SourcePath, ActualSize bytes long.
type TruncatedArtifact struct {
	SourcePath    string
	RequestedSize int64
	ActualSize    int64
	DerivedPath   string
}

type ArtifactState int

const (
	StateAbsent ArtifactState = iota
	StateInProgress
	StateComplete
)

func (s ArtifactState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInProgress:
		return "in-progress"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// TruncatedPath derives the canonical artifact path for truncating source
// to requested bytes: `<dir>/<stem>_truncated_<requested><ext>`.
func TruncatedPath(source string, requested int64) string {
	ext := filepath.Ext(source)
	stem := strings.TrimSuffix(source, ext)
	return stem + truncatedMarker + strconv.FormatInt(requested, 10) + ext
}

// ParseTruncatedPath recovers the source path and requested size encoded in
// a derived path. ok is false when the path is not a truncation artifact.
func ParseTruncatedPath(derived string) (source string, requested int64,
	ok bool) {
	ext := filepath.Ext(derived)
	stem := strings.TrimSuffix(derived, ext)
	idx := strings.LastIndex(stem, truncatedMarker)
	if idx < 0 {
		return "", 0, false
	}
	requested, err := strconv.ParseInt(stem[idx+len(truncatedMarker):], 10,
		64)
	if err != nil || requested <= 0 {
		return "", 0, false
	}
	return stem[:idx] + ext, requested, true
}

func partialPath(derived string) string {
	return derived + ".partial"
}

func lockPath(derived string) string {
	return derived + ".lock"
}

// Truncator produces truncated copies of corpus files. Producers of the same
// artifact are serialized with a lock file next to it, so it is safe to use
// from several processes sharing a filesystem.
type Truncator struct {
	lockTimeout time.Duration
	retryDelay  time.Duration
	logger      *zap.Logger
	group       singleflight.Group
}

type TruncatorOption func(*Truncator)

// WithLockTimeout bounds the wait for an artifact lock.
func WithLockTimeout(timeout time.Duration) TruncatorOption {
	return func(t *Truncator) {
		t.lockTimeout = timeout
	}
}

func WithRetryDelay(delay time.Duration) TruncatorOption {
	return func(t *Truncator) {
		t.retryDelay = delay
	}
}

func WithTruncatorLogger(logger *zap.Logger) TruncatorOption {
	return func(t *Truncator) {
		t.logger = logger
	}
}

func NewTruncator(opts ...TruncatorOption) *Truncator {
	t := &Truncator{
		lockTimeout: DefaultLockTimeout,
		retryDelay:  DefaultRetryDelay,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State reports the state of the artifact for (source, requested). A
// derived file whose size cannot be the result of a truncation counts as
// in-progress, as does a leftover partial file.
func (t *Truncator) State(source string, requested int64) (ArtifactState,
	error) {
	sourceStat, err := os.Stat(source)
	if err != nil {
		return StateAbsent, err
	}
	state, _, err := artifactState(TruncatedPath(source, requested), requested,
		sourceStat.Size())
	return state, err
}

func artifactState(derived string, requested int64,
	sourceSize int64) (ArtifactState, int64, error) {
	stat, err := os.Stat(derived)
	if err == nil {
		size := stat.Size()
		if size >= requested && size <= requested+MaxBoundarySlack &&
			size <= sourceSize {
			return StateComplete, size, nil
		}
		return StateInProgress, size, nil
	} else if !os.IsNotExist(err) {
		return StateAbsent, 0, err
	}
	if _, err := os.Stat(partialPath(derived)); err == nil {
		return StateInProgress, 0, nil
	} else if !os.IsNotExist(err) {
		return StateAbsent, 0, err
	}
	return StateAbsent, 0, nil
}

// Truncate returns the artifact truncating source to requested bytes,
// extended to the next code point boundary. An existing complete artifact
// is returned as is.
func (t *Truncator) Truncate(ctx context.Context, source string,
	requested int64) (*TruncatedArtifact, error) {
	sourceStat, err := os.Stat(source)
	if err != nil {
		return nil, err
	}
	sourceSize := sourceStat.Size()
	if requested <= 0 || requested >= sourceSize {
		return nil, fmt.Errorf("%w: %d bytes requested from %s of %d bytes",
			ErrInvalidRequest, requested, source, sourceSize)
	}
	derived := TruncatedPath(source, requested)
	state, actual, err := artifactState(derived, requested, sourceSize)
	if err != nil {
		return nil, err
	}
	if state == StateComplete {
		t.logger.Debug("truncated file already exists",
			zap.String("path", derived))
		return &TruncatedArtifact{
			SourcePath:    source,
			RequestedSize: requested,
			ActualSize:    actual,
			DerivedPath:   derived,
		}, nil
	}

	result, err, _ := t.group.Do(derived, func() (interface{}, error) {
		return t.truncateLocked(ctx, source, requested, sourceSize, derived)
	})
	if err != nil {
		return nil, err
	}
	artifact := *result.(*TruncatedArtifact)
	return &artifact, nil
}

func (t *Truncator) truncateLocked(ctx context.Context, source string,
	requested int64, sourceSize int64,
	derived string) (*TruncatedArtifact, error) {
	lock := flock.New(lockPath(derived))
	lockCtx, cancel := context.WithTimeout(ctx, t.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, t.retryDelay)
	if !locked {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %v: %v", ErrResourceContention,
			lockPath(derived), t.lockTimeout, err)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			t.logger.Warn("cannot release artifact lock",
				zap.String("path", lockPath(derived)), zap.Error(unlockErr))
		}
	}()

	// Another producer may have finished while we waited.
	state, actual, err := artifactState(derived, requested, sourceSize)
	if err != nil {
		return nil, err
	}
	if state != StateComplete {
		if state == StateInProgress {
			t.logger.Warn("regenerating incomplete truncated file",
				zap.String("path", derived))
		}
		t.logger.Info("truncating",
			zap.String("source", source),
			zap.String("size", humanize.Bytes(uint64(requested))))
		if actual, err = writePrefix(source, derived, requested); err != nil {
			return nil, err
		}
	}
	return &TruncatedArtifact{
		SourcePath:    source,
		RequestedSize: requested,
		ActualSize:    actual,
		DerivedPath:   derived,
	}, nil
}

// Boundary returns the first offset at or after requested that does not
// fall inside a multi-byte character.
func Boundary(data []byte, requested int64) int64 {
	actual := requested
	for step := 0; step < MaxBoundarySlack && actual < int64(len(data)) &&
		!utf8.RuneStart(data[actual]); step++ {
		actual++
	}
	return actual
}

// writePrefix copies the boundary-aligned prefix of source into a partial
// file and renames it into place once it is complete.
func writePrefix(source string, derived string,
	requested int64) (int64, error) {
	sourceFile, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer sourceFile.Close()
	data, err := mmap.Map(sourceFile, mmap.RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("error trying to mmap %s: %w", source, err)
	}
	defer data.Unmap()
	actual := Boundary(data, requested)

	partial := partialPath(derived)
	partialFile, err := os.OpenFile(partial,
		os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return 0, err
	}
	writer := bufio.NewWriterSize(partialFile, 1024*1024)
	if _, err = writer.Write(data[:actual]); err == nil {
		if err = writer.Flush(); err == nil {
			err = partialFile.Sync()
		}
	}
	if closeErr := partialFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partial)
		return 0, err
	}
	if err := os.Rename(partial, derived); err != nil {
		return 0, err
	}
	return actual, nil
}
