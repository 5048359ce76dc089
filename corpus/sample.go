package corpus

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// SampledFileSet is an ordered list of corpus files whose sizes sum to
// TotalBytes. At most one member, Truncated, is a truncation artifact.
type SampledFileSet struct {
	Files      []string
	TotalBytes int64
	Truncated  *TruncatedArtifact
}

// UnderBudget reports whether the set holds fewer bytes than target. Only
// samples drawn without wraparound can be under budget.
func (s *SampledFileSet) UnderBudget(target int64) bool {
	return target > 0 && s.TotalBytes < target
}

// Sampler selects a byte-budgeted subset of a corpus directory.
type Sampler struct {
	truncator  *Truncator
	rng        *rand.Rand
	extensions []string
	recursive  bool
	logger     *zap.Logger
}

type SamplerOption func(*Sampler)

// WithRand sets the shuffle generator. Every budgeted Sample call advances
// it.
func WithRand(rng *rand.Rand) SamplerOption {
	return func(s *Sampler) {
		s.rng = rng
	}
}

func WithSeed(seed int64) SamplerOption {
	return WithRand(NewRand(seed))
}

func WithExtensions(extensions ...string) SamplerOption {
	return func(s *Sampler) {
		s.extensions = extensions
	}
}

func WithRecursive(recursive bool) SamplerOption {
	return func(s *Sampler) {
		s.recursive = recursive
	}
}

func WithSamplerLogger(logger *zap.Logger) SamplerOption {
	return func(s *Sampler) {
		s.logger = logger
	}
}

func NewSampler(truncator *Truncator, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		truncator:  truncator,
		rng:        NewRand(TrainingSeed),
		extensions: DefaultExtensions,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sample selects files of dir totalling targetBytes. With targetBytes <= 0
// every eligible file is returned whole, in path order. Otherwise the
// eligible files are shuffled and taken whole while they fit; the first
// file that does not fit is truncated to the remaining budget, which ends
// the sample. With wraparound the shuffled list is cycled until the budget
// is met, without it an exhausted list yields an under-budget set.
func (s *Sampler) Sample(ctx context.Context, dir string, targetBytes int64,
	wraparound bool) (*SampledFileSet, error) {
	pathInfos, err := ListEligible(dir, s.extensions, s.recursive)
	if err != nil {
		return nil, err
	}
	if len(pathInfos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCorpus,
			describe(dir, s.extensions))
	}

	if targetBytes <= 0 {
		files := make([]string, len(pathInfos))
		for idx, pathInfo := range pathInfos {
			files[idx] = pathInfo.Path
		}
		total := TotalSize(pathInfos)
		s.logger.Info("using all files",
			zap.String("dir", dir),
			zap.Int("files", len(files)),
			zap.String("bytes", humanize.Bytes(uint64(total))))
		return &SampledFileSet{Files: files, TotalBytes: total}, nil
	}

	if wraparound && TotalSize(pathInfos) == 0 {
		return nil, fmt.Errorf("%w: every file in %s is empty",
			ErrEmptyCorpus, dir)
	}
	ShufflePathInfos(pathInfos, s.rng)

	sampled := &SampledFileSet{Files: make([]string, 0)}
	for counter := 0; sampled.TotalBytes < targetBytes; counter++ {
		if !wraparound && counter >= len(pathInfos) {
			break
		}
		if counter%len(pathInfos) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		pathInfo := pathInfos[counter%len(pathInfos)]
		if pathInfo.Size == 0 {
			continue
		}
		remaining := targetBytes - sampled.TotalBytes
		if pathInfo.Size <= remaining {
			sampled.Files = append(sampled.Files, pathInfo.Path)
			sampled.TotalBytes += pathInfo.Size
			continue
		}
		artifact, err := s.truncator.Truncate(ctx, pathInfo.Path, remaining)
		if err != nil {
			return nil, err
		}
		sampled.Files = append(sampled.Files, artifact.DerivedPath)
		sampled.TotalBytes += artifact.ActualSize
		sampled.Truncated = artifact
		break
	}

	fields := []zap.Field{
		zap.String("dir", dir),
		zap.Int("files", len(sampled.Files)),
		zap.String("bytes", humanize.Bytes(uint64(sampled.TotalBytes))),
		zap.String("target", humanize.Bytes(uint64(targetBytes))),
	}
	if sampled.UnderBudget(targetBytes) {
		s.logger.Warn("corpus exhausted below the byte budget", fields...)
	} else {
		s.logger.Info("sampled corpus", fields...)
	}
	return sampled, nil
}
