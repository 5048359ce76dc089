// Package train runs a tokenizer training stage: it settles the inputs of
// an output directory through its manifest, trains on them and writes the
// tokenizer artifacts next to the manifest.
package train

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/superbpe"
	"github.com/wbrown/superbpe/corpus"
	"github.com/wbrown/superbpe/dataset"
	"github.com/wbrown/superbpe/manifest"
	"github.com/wbrown/superbpe/types"
	"go.uber.org/zap"
)

const DefaultVocabSize = 100_000

var ErrNoOutputDir = errors.New("no output directory given")

// Model is a trained tokenizer.
type Model interface {
	// Save writes `vocab.json` and `merges.txt` into dir.
	Save(dir string) error
	// Serialize writes the composite `tokenizer.json` to path.
	Serialize(path string) error
}

// TrainFunc trains a tokenizer on texts.
type TrainFunc func(ctx context.Context, cfg superbpe.TrainerConfig,
	texts superbpe.TextsIterator) (Model, error)

// TextSource is a lazy sequence of text records ending with io.EOF.
type TextSource interface {
	Next(ctx context.Context) (string, error)
}

// DatasetOpener streams the textColumn of a named dataset, bounded by
// budget bytes.
type DatasetOpener func(name string, textColumn string,
	budget int64) TextSource

// SuperBPE trains with the byte-level BPE trainer.
func SuperBPE(logger *zap.Logger) TrainFunc {
	return func(ctx context.Context, cfg superbpe.TrainerConfig,
		texts superbpe.TextsIterator) (Model, error) {
		trainer, err := superbpe.NewTrainer(cfg,
			superbpe.WithTrainerLogger(logger))
		if err != nil {
			return nil, err
		}
		model, err := trainer.Train(ctx, texts)
		if err != nil {
			return nil, err
		}
		return model, nil
	}
}

// HuggingFaceDatasets streams datasets through the datasets-server API.
func HuggingFaceDatasets(opts ...dataset.Option) DatasetOpener {
	return func(name string, textColumn string, budget int64) TextSource {
		return dataset.Open(name, textColumn, budget, opts...)
	}
}

// Options describe one training stage.
type Options struct {
	OutputDir string
	// CorpusDir is sampled when no dataset is named.
	CorpusDir string
	// Dataset takes precedence over CorpusDir.
	Dataset *manifest.DatasetDescriptor
	// NumBytes is the training budget; <= 0 uses the whole corpus.
	NumBytes                  int64
	VocabSize                 int
	WhitespacePretokenization bool
	Algorithm                 superbpe.Algorithm
	Wraparound                bool
	UnderBudget               manifest.UnderBudgetPolicy
}

// Result describes a completed stage.
type Result struct {
	Mode     manifest.Mode
	Manifest *manifest.Manifest
	Model    Model
	Elapsed  time.Duration
}

// Orchestrator sequences manifest, sampling and training.
type Orchestrator struct {
	sampler     *corpus.Sampler
	truncator   *corpus.Truncator
	train       TrainFunc
	openDataset DatasetOpener
	logger      *zap.Logger
}

type Option func(*Orchestrator)

func WithTrainFunc(train TrainFunc) Option {
	return func(o *Orchestrator) {
		o.train = train
	}
}

func WithDatasetOpener(open DatasetOpener) Option {
	return func(o *Orchestrator) {
		o.openDataset = open
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func New(sampler *corpus.Sampler, truncator *corpus.Truncator,
	opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sampler:     sampler,
		truncator:   truncator,
		openDataset: HuggingFaceDatasets(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.train == nil {
		o.train = SuperBPE(o.logger)
	}
	return o
}

// Run trains one stage into opts.OutputDir. An output directory holding a
// manifest is resumed on the inputs it records; otherwise the inputs are
// sampled and recorded first. A `merges.txt` already in the output
// directory seeds the new tokenizer's merges.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result,
	error) {
	if opts.OutputDir == "" {
		return nil, ErrNoOutputDir
	}
	if opts.UnderBudget == "" {
		opts.UnderBudget = manifest.UnderBudgetWarn
	}
	if err := opts.UnderBudget.Validate(); err != nil {
		return nil, err
	}
	mode, err := manifest.DetectMode(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	if mode == manifest.ModeFresh && opts.Dataset == nil &&
		opts.CorpusDir == "" {
		return nil, corpus.ErrMissingInput
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, err
	}
	o.logger.Info("training tokenizer", zap.String("output_dir",
		opts.OutputDir))

	store := manifest.NewStore(opts.OutputDir, o.sampler, o.truncator,
		manifest.WithLogger(o.logger))
	m, err := store.LoadOrCreate(ctx, mode, manifest.Request{
		CorpusDir:   opts.CorpusDir,
		TargetBytes: opts.NumBytes,
		Wraparound:  opts.Wraparound,
		Dataset:     opts.Dataset,
	})
	if err != nil {
		return nil, err
	}
	if mode == manifest.ModeFresh {
		if err := o.checkBudget(m, opts); err != nil {
			return nil, err
		}
	}

	initialMerges, err := o.initialMerges(store, m)
	if err != nil {
		return nil, err
	}
	texts, closer := o.texts(m)
	defer closer()

	start := time.Now()
	model, err := o.train(ctx, superbpe.TrainerConfig{
		VocabSize:                 opts.VocabSize,
		WhitespacePretokenization: opts.WhitespacePretokenization,
		Algorithm:                 opts.Algorithm,
		InitialMerges:             initialMerges,
	}, texts)
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}
	if err := model.Save(opts.OutputDir); err != nil {
		return nil, err
	}
	if err := model.Serialize(filepath.Join(opts.OutputDir,
		superbpe.TokenizerFile)); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	o.logger.Info("tokenizer saved",
		zap.String("output_dir", opts.OutputDir),
		zap.String("mode", mode.String()),
		zap.Duration("train_time", elapsed))
	return &Result{Mode: mode, Manifest: m, Model: model,
		Elapsed: elapsed}, nil
}

func (o *Orchestrator) checkBudget(m *manifest.Manifest, opts Options) error {
	if !m.UnderBudget(opts.NumBytes) {
		return nil
	}
	switch opts.UnderBudget {
	case manifest.UnderBudgetFail:
		return fmt.Errorf("%w: %s of %s", manifest.ErrUnderBudget,
			humanize.Bytes(uint64(m.TotalBytes)),
			humanize.Bytes(uint64(opts.NumBytes)))
	case manifest.UnderBudgetWarn:
		o.logger.Warn("training on less text than requested",
			zap.String("bytes", humanize.Bytes(uint64(m.TotalBytes))),
			zap.String("budget", humanize.Bytes(uint64(opts.NumBytes))))
	}
	return nil
}

// initialMerges reads the merges inherited from an earlier stage, if the
// manifest records any.
func (o *Orchestrator) initialMerges(store *manifest.Store,
	m *manifest.Manifest) ([]types.Pair, error) {
	if m.NumInitialMerges == nil {
		return nil, nil
	}
	path := store.InitialMergesPath()
	merges, err := superbpe.ReadMergesFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", manifest.ErrMissingFile, path)
	} else if err != nil {
		return nil, err
	}
	if len(merges) != m.InitialMerges() {
		return nil, fmt.Errorf("%w: %s holds %d merges, manifest records %d",
			manifest.ErrInvalidManifest, path, len(merges),
			m.InitialMerges())
	}
	o.logger.Info("extending tokenizer",
		zap.String("initial_merges", path),
		zap.Int("merges", len(merges)))
	return merges, nil
}

// texts iterates over the recorded inputs. The returned func releases them.
func (o *Orchestrator) texts(m *manifest.Manifest) (superbpe.TextsIterator,
	func()) {
	if desc := m.Dataset(); desc != nil {
		source := o.openDataset(desc.Name, desc.TextColumn, m.TotalBytes)
		return source.Next, func() {}
	}
	files := superbpe.NewFileTexts(m.TrainFiles)
	return files.Next, func() { _ = files.Close() }
}
