package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/superbpe"
	"github.com/wbrown/superbpe/config"
	"github.com/wbrown/superbpe/corpus"
	"github.com/wbrown/superbpe/dataset"
	"github.com/wbrown/superbpe/manifest"
	"github.com/wbrown/superbpe/train"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("train_tokenizer", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outputDir := flags.String("output_dir", "",
		"where to save the trained tokenizer")
	numBytes := flags.Int64("num_bytes", 0,
		"maximum number of bytes to train on, 0 for the whole corpus")
	corpusDir := flags.String("corpus_dir", "",
		"directory of text files to train on")
	hfDataset := flags.String("hf_dataset", "",
		"Hugging Face dataset to stream instead of a corpus directory")
	textColumn := flags.String("text_column", manifest.DefaultTextColumn,
		"column holding the text in the Hugging Face dataset")
	vocabSize := flags.Int("vocab_size", train.DefaultVocabSize,
		"number of tokens in the vocabulary")
	whitespace := flags.Bool("do_whitespace_pretokenization", true,
		"keep merges from crossing whitespace")
	configPath := flags.String("config", "", "YAML configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *outputDir == "" {
		flags.Usage()
		fmt.Fprintln(stderr, "Must provide -output_dir")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	truncator := corpus.NewTruncator(append(cfg.TruncatorOptions(),
		corpus.WithTruncatorLogger(logger))...)
	sampler := corpus.NewSampler(truncator,
		append(cfg.SamplerOptions(cfg.Corpus.TrainingSeed),
			corpus.WithSamplerLogger(logger))...)
	orchestrator := train.New(sampler, truncator,
		train.WithLogger(logger),
		train.WithDatasetOpener(train.HuggingFaceDatasets(
			append(cfg.DatasetOptions(), dataset.WithLogger(logger))...)))

	opts := train.Options{
		OutputDir:                 *outputDir,
		CorpusDir:                 *corpusDir,
		NumBytes:                  *numBytes,
		VocabSize:                 *vocabSize,
		WhitespacePretokenization: *whitespace,
		Algorithm:                 superbpe.AlgorithmBPE,
		Wraparound:                cfg.Corpus.Wraparound,
		UnderBudget:               cfg.Corpus.UnderBudget,
	}
	if *hfDataset != "" {
		opts.Dataset = &manifest.DatasetDescriptor{
			Name:       *hfDataset,
			TextColumn: *textColumn,
		}
	}
	result, err := orchestrator.Run(ctx, opts)
	if err != nil {
		logger.Error("training failed", zap.Error(err))
		return 1
	}
	logger.Info("tokenizer info saved",
		zap.String("output_dir", *outputDir),
		zap.String("mode", result.Mode.String()),
		zap.String("bytes", humanize.Bytes(
			uint64(result.Manifest.TotalBytes))),
		zap.Duration("train_time", result.Elapsed))
	return 0
}
