package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/superbpe"
	"github.com/wbrown/superbpe/corpus"
	"github.com/wbrown/superbpe/pkg/atomicfile"
	"go.uber.org/zap"
)

// Request describes the inputs of a fresh run. Exactly one of CorpusDir and
// Dataset is used; Dataset wins when both are set.
type Request struct {
	CorpusDir   string
	TargetBytes int64
	Wraparound  bool
	Dataset     *DatasetDescriptor
}

// Store owns the manifest of one output directory.
type Store struct {
	dir       string
	sampler   *corpus.Sampler
	truncator *corpus.Truncator
	logger    *zap.Logger
}

type StoreOption func(*Store)

func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(outputDir string, sampler *corpus.Sampler,
	truncator *corpus.Truncator, opts ...StoreOption) *Store {
	s := &Store{
		dir:       outputDir,
		sampler:   sampler,
		truncator: truncator,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

func (s *Store) InitialMergesPath() string {
	return filepath.Join(s.dir, InitialMergesFile)
}

// LoadOrCreate returns the manifest of the output directory. In resume mode
// the existing manifest is loaded verbatim; in fresh mode one is built from
// req and persisted, unless another process got there first, in which case
// its manifest is loaded instead.
func (s *Store) LoadOrCreate(ctx context.Context, mode Mode,
	req Request) (*Manifest, error) {
	if mode == ModeResume {
		s.logger.Info("output directory has a manifest, reusing its inputs",
			zap.String("path", s.Path()))
		return s.Load(ctx)
	}
	if req.Dataset == nil && req.CorpusDir == "" {
		return nil, corpus.ErrMissingInput
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}

	m, err := s.build(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.inheritMerges(m); err != nil {
		return nil, err
	}
	data, err := m.marshal()
	if err != nil {
		return nil, err
	}
	if err := atomicfile.CreateExclusive(s.Path(), data,
		0644); errors.Is(err, atomicfile.ErrExist) {
		s.logger.Info("manifest created concurrently, loading it",
			zap.String("path", s.Path()))
		return s.Load(ctx)
	} else if err != nil {
		return nil, err
	}
	s.logger.Info("wrote manifest",
		zap.String("path", s.Path()),
		zap.String("dataset_type", string(m.DatasetType)),
		zap.String("bytes", humanize.Bytes(uint64(m.TotalBytes))))
	return m, nil
}

func (s *Store) build(ctx context.Context, req Request) (*Manifest, error) {
	if req.Dataset != nil {
		textColumn := req.Dataset.TextColumn
		if textColumn == "" {
			textColumn = DefaultTextColumn
		}
		return &Manifest{
			DatasetType: DatasetHuggingFace,
			TotalBytes:  req.TargetBytes,
			DatasetName: req.Dataset.Name,
			TextColumn:  textColumn,
		}, nil
	}
	corpusDir, err := filepath.Abs(req.CorpusDir)
	if err != nil {
		return nil, err
	}
	sampled, err := s.sampler.Sample(ctx, corpusDir, req.TargetBytes,
		req.Wraparound)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		DatasetType: DatasetFiles,
		TotalBytes:  sampled.TotalBytes,
		TrainFiles:  sampled.Files,
	}, nil
}

// inheritMerges copies a merges.txt left by an earlier stage to
// initial_merges.txt and records its merge count. An existing
// initial_merges.txt is kept, since merges.txt may already hold this run's
// output.
func (s *Store) inheritMerges(m *Manifest) error {
	mergesPath := filepath.Join(s.dir, MergesFile)
	if _, err := os.Stat(mergesPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	if _, err := os.Stat(s.InitialMergesPath()); os.IsNotExist(err) {
		if err := copyFile(mergesPath, s.InitialMergesPath()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	count, err := superbpe.CountMergeLines(s.InitialMergesPath())
	if err != nil {
		return err
	}
	m.NumInitialMerges = &count
	s.logger.Info("extending an existing tokenizer",
		zap.String("merges", s.InitialMergesPath()),
		zap.Int("num_initial_merges", count))
	return nil
}

// Load reads the manifest and regenerates any truncated input that has
// been deleted since it was written.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, err
	}
	m, err := unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path(), err)
	}
	if err := s.restoreFiles(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) restoreFiles(ctx context.Context, m *Manifest) error {
	for _, file := range m.TrainFiles {
		if _, err := os.Stat(file); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		source, requested, ok := corpus.ParseTruncatedPath(file)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingFile, file)
		}
		s.logger.Info("regenerating truncated input",
			zap.String("path", file),
			zap.String("source", source),
			zap.Int64("requested", requested))
		artifact, err := s.truncator.Truncate(ctx, source, requested)
		if err != nil {
			return fmt.Errorf("%w: cannot regenerate %s: %w", ErrMissingFile,
				file, err)
		}
		if artifact.DerivedPath != file {
			return fmt.Errorf("%w: %s regenerated as %s", ErrMissingFile,
				file, artifact.DerivedPath)
		}
	}
	return nil
}

// copyFile streams src into dst, which is only created if it does not
// exist yet.
func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	err = atomicfile.CreateExclusiveFrom(dst, in, 0644)
	if err != nil && !errors.Is(err, atomicfile.ErrExist) {
		return err
	}
	return nil
}
