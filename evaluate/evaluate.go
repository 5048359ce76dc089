// Package evaluate measures the encoding efficiency of a tokenizer over a
// sample of a corpus: how many bytes of text each token covers.
package evaluate

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/superbpe/corpus"
	"github.com/wbrown/superbpe/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultNumBytes is the evaluation sample size.
	DefaultNumBytes int64 = 1_000_000_000
	// AllFiles selects every eligible file instead of a sample.
	AllFiles int64 = -1

	DefaultWorkers = 4

	paragraphSep  = "\n\n"
	minChunkParas = 100
	chunksPerFile = 20
)

// FileResult holds the counts of one encoded file.
type FileResult struct {
	Path      string
	Bytes     int64
	Tokens    int64
	Pretokens int64
	Histogram map[types.Token]int64
}

type Evaluator struct {
	tokenizer *Tokenizer
	workers   int
	statsDir  string
	logger    *zap.Logger
}

type Option func(*Evaluator)

func WithWorkers(workers int) Option {
	return func(e *Evaluator) {
		e.workers = workers
	}
}

// WithTokenStats writes a token histogram per file into dir.
func WithTokenStats(dir string) Option {
	return func(e *Evaluator) {
		e.statsDir = dir
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

func New(tokenizer *Tokenizer, opts ...Option) *Evaluator {
	e := &Evaluator{
		tokenizer: tokenizer,
		workers:   DefaultWorkers,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e
}

// SelectFiles picks the evaluation inputs: a sample of corpusDir drawn
// without wraparound, or the single file filePath. numBytes <= 0 selects
// every eligible file of corpusDir.
func SelectFiles(ctx context.Context, sampler *corpus.Sampler,
	corpusDir string, filePath string,
	numBytes int64) (*corpus.SampledFileSet, error) {
	switch {
	case corpusDir != "":
		if numBytes < 0 {
			numBytes = 0
		}
		return sampler.Sample(ctx, corpusDir, numBytes, false)
	case filePath != "":
		info, err := os.Stat(filePath)
		if err != nil {
			return nil, err
		}
		return &corpus.SampledFileSet{
			Files:      []string{filePath},
			TotalBytes: info.Size(),
		}, nil
	}
	return nil, corpus.ErrMissingInput
}

// Evaluate encodes files concurrently and totals their counts in input
// order. byteCount is reported as given.
func (e *Evaluator) Evaluate(ctx context.Context, files []string,
	byteCount int64) (*Report, error) {
	if e.statsDir != "" {
		if err := os.MkdirAll(e.statsDir, 0755); err != nil {
			return nil, err
		}
	}
	var statsNames []string
	if e.statsDir != "" {
		statsNames = statsFileNames(files)
	}
	start := time.Now()
	results := make([]*FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for idx, path := range files {
		idx, path := idx, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := e.EncodeFile(path)
			if err != nil {
				return err
			}
			if e.statsDir != "" {
				if err := writeHistogram(filepath.Join(e.statsDir,
					statsNames[idx]), result); err != nil {
					return err
				}
				// The histogram is only needed on disk.
				result.Histogram = nil
			}
			results[idx] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		TestFiles:        files,
		ByteCount:        byteCount,
		CountedPretokens: e.tokenizer.Pretokenizer != nil,
		VocabSize:        e.tokenizer.Truncated,
	}
	for _, result := range results {
		report.TokenCount += result.Tokens
		report.PretokenCount += result.Pretokens
	}
	e.logger.Info("evaluated tokenizer",
		zap.String("tokenizer", e.tokenizer.Name),
		zap.Int("files", len(files)),
		zap.String("bytes", humanize.Bytes(uint64(byteCount))),
		zap.Int64("tokens", report.TokenCount),
		zap.Float64("bytes_per_token", report.BytesPerToken()),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

// EncodeFile encodes the file at path chunk by chunk.
func (e *Evaluator) EncodeFile(path string) (*FileResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	result := &FileResult{
		Path:      path,
		Bytes:     int64(len(data)),
		Histogram: make(map[types.Token]int64),
	}
	pretok := e.tokenizer.Pretokenizer
	for _, chunk := range Chunks(string(data)) {
		tokens, err := e.tokenizer.Encoder.Encode(chunk)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %s: %w", path, err)
		}
		result.Tokens += int64(len(tokens))
		for _, token := range tokens {
			result.Histogram[token]++
		}
		if pretok != nil {
			count, err := pretok.Count(chunk)
			if err != nil {
				return nil, fmt.Errorf("cannot pretokenize %s: %w", path, err)
			}
			result.Pretokens += int64(count)
		}
	}
	e.logger.Debug("encoded file",
		zap.String("path", path),
		zap.String("size", humanize.Bytes(uint64(result.Bytes))),
		zap.Int64("tokens", result.Tokens))
	return result, nil
}

// Chunks splits text into runs of paragraphs small enough to encode at
// once. A file gets about twenty chunks of at least a hundred paragraphs;
// the chunks concatenate back to text.
func Chunks(text string) []string {
	paras := strings.Split(text, paragraphSep)
	chunkSize := max(len(paras)/chunksPerFile, minChunkParas)
	chunks := make([]string, 0, len(paras)/chunkSize+1)
	for start := 0; start < len(paras); start += chunkSize {
		end := min(start+chunkSize, len(paras))
		chunk := strings.Join(paras[start:end], paragraphSep)
		if end < len(paras) {
			chunk += paragraphSep
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// statsFileNames names the histogram of each path after its stem. Stems
// shared by different paths, as in a recursive corpus, get a hash of the
// path appended.
func statsFileNames(paths []string) []string {
	stems := make([]string, len(paths))
	owners := make(map[string]string, len(paths))
	shared := make(map[string]bool)
	for idx, path := range paths {
		base := filepath.Base(path)
		stems[idx] = strings.TrimSuffix(base, filepath.Ext(base))
		if owner, ok := owners[stems[idx]]; !ok {
			owners[stems[idx]] = path
		} else if owner != path {
			shared[stems[idx]] = true
		}
	}
	names := make([]string, len(paths))
	for idx, stem := range stems {
		if shared[stem] {
			hash := fnv.New32a()
			_, _ = hash.Write([]byte(filepath.Clean(paths[idx])))
			stem = fmt.Sprintf("%s_%08x", stem, hash.Sum32())
		}
		names[idx] = stem + ".json"
	}
	return names
}
