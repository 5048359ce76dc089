package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wbrown/superbpe/config"
	"github.com/wbrown/superbpe/corpus"
	"github.com/wbrown/superbpe/evaluate"
	"github.com/wbrown/superbpe/resources"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("evaluate_tokenizer", flag.ContinueOnError)
	flags.SetOutput(stderr)
	tokenizerPath := flags.String("tokenizer_path", "",
		"tokenizer directory, tokenizer.json, URL, huggingface id, "+
			"or tiktoken:<encoding>")
	corpusDir := flags.String("corpus_dir", "",
		"directory of text files to encode")
	filePath := flags.String("file_path", "",
		"single text file to encode instead of a corpus directory")
	outputDir := flags.String("output_dir", "",
		"where to save the byte counts")
	numBytes := flags.Int64("num_bytes", evaluate.DefaultNumBytes,
		"size of the text to encode, -1 for every file of -corpus_dir")
	vocabSize := flags.Int("vocab_size", 0,
		"only apply this many merges, 0 for the full vocabulary")
	saveTokenStats := flags.Bool("save_token_stats", false,
		"save token counts for each file")
	saveBytesPerToken := flags.Bool("save_bytes_per_token", false,
		"save token and byte counts to -output_dir")
	tokenStatsDir := flags.String("token_stats_dir", "",
		"where to save token counts, defaults to encoded/<tokenizer>")
	configPath := flags.String("config", "", "YAML configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	switch {
	case *tokenizerPath == "":
		flags.Usage()
		fmt.Fprintln(stderr, "Must provide -tokenizer_path")
		return 2
	case *saveBytesPerToken && *outputDir == "":
		flags.Usage()
		fmt.Fprintln(stderr, "-save_bytes_per_token requires -output_dir")
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

	if err := evaluateTokenizer(ctx, cfg, logger, options{
		tokenizerPath:     *tokenizerPath,
		corpusDir:         *corpusDir,
		filePath:          *filePath,
		outputDir:         *outputDir,
		numBytes:          *numBytes,
		vocabSize:         *vocabSize,
		saveTokenStats:    *saveTokenStats,
		saveBytesPerToken: *saveBytesPerToken,
		tokenStatsDir:     *tokenStatsDir,
	}); err != nil {
		logger.Error("evaluation failed", zap.Error(err))
		return 1
	}
	return 0
}

type options struct {
	tokenizerPath     string
	corpusDir         string
	filePath          string
	outputDir         string
	numBytes          int64
	vocabSize         int
	saveTokenStats    bool
	saveBytesPerToken bool
	tokenStatsDir     string
}

func evaluateTokenizer(ctx context.Context, cfg *config.Config,
	logger *zap.Logger, opts options) error {
	if opts.corpusDir == "" && opts.filePath == "" {
		return fmt.Errorf("%w: need -corpus_dir or -file_path",
			corpus.ErrMissingInput)
	}
	tokenizer, err := evaluate.LoadTokenizer(ctx, opts.tokenizerPath,
		cfg.Evaluate.CacheDir,
		resources.WithAuth(cfg.Dataset.Token),
		resources.WithLogger(logger))
	if err != nil {
		return err
	}
	if opts.vocabSize > 0 {
		if tokenizer, err = tokenizer.Truncate(opts.vocabSize); err != nil {
			return err
		}
		logger.Info("using only the top merges",
			zap.Int("merges", opts.vocabSize))
	}

	truncator := corpus.NewTruncator(append(cfg.TruncatorOptions(),
		corpus.WithTruncatorLogger(logger))...)
	sampler := corpus.NewSampler(truncator,
		append(cfg.SamplerOptions(cfg.Corpus.EvaluationSeed),
			corpus.WithSamplerLogger(logger))...)
	files, err := evaluate.SelectFiles(ctx, sampler, opts.corpusDir,
		opts.filePath, opts.numBytes)
	if err != nil {
		return err
	}

	evalOpts := []evaluate.Option{
		evaluate.WithWorkers(cfg.Evaluate.Workers),
		evaluate.WithLogger(logger),
	}
	if opts.saveTokenStats {
		statsDir := opts.tokenStatsDir
		if statsDir == "" {
			statsDir = filepath.Join("encoded", tokenizer.Name)
		}
		evalOpts = append(evalOpts, evaluate.WithTokenStats(statsDir))
	}
	report, err := evaluate.New(tokenizer, evalOpts...).Evaluate(ctx,
		files.Files, files.TotalBytes)
	if err != nil {
		return err
	}
	if !opts.saveBytesPerToken {
		return nil
	}
	written, err := report.Save(opts.outputDir)
	if err != nil {
		return err
	}
	logger.Info("saved byte counts", zap.Strings("paths", written))
	return nil
}
