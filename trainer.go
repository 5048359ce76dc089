package superbpe

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/superbpe/pkg/atomicfile"
	"github.com/wbrown/superbpe/types"
	"go.uber.org/zap"
)

type Algorithm string

const AlgorithmBPE Algorithm = "bpe"

var ErrUnsupportedAlgorithm = errors.New("unsupported tokenizer algorithm")

const (
	VocabFile     = "vocab.json"
	MergesFile    = "merges.txt"
	TokenizerFile = "tokenizer.json"
)

// TrainerConfig holds the training hyperparameters.
type TrainerConfig struct {
	VocabSize                 int
	WhitespacePretokenization bool
	Algorithm                 Algorithm
	// InitialMerges are applied in order before any new merge is learned,
	// extending a tokenizer from an earlier stage.
	InitialMerges []types.Pair
	// MinFrequency stops training once the best pair occurs fewer times.
	MinFrequency int
}

type Trainer struct {
	cfg    TrainerConfig
	pretok *Pretokenizer
	logger *zap.Logger
}

type TrainerOption func(*Trainer)

func WithTrainerLogger(logger *zap.Logger) TrainerOption {
	return func(t *Trainer) {
		t.logger = logger
	}
}

func NewTrainer(cfg TrainerConfig, opts ...TrainerOption) (*Trainer, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmBPE
	}
	if cfg.Algorithm != AlgorithmBPE {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm,
			cfg.Algorithm)
	}
	if cfg.VocabSize < len(byteToRune) {
		return nil, fmt.Errorf("vocab size %d is below the %d byte-level "+
			"base tokens", cfg.VocabSize, len(byteToRune))
	}
	pretok, err := NewPretokenizer(
		PretokenizationRegex(cfg.WhitespacePretokenization))
	if err != nil {
		return nil, err
	}
	trainer := &Trainer{cfg: cfg, pretok: pretok, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(trainer)
	}
	return trainer, nil
}

// Model is the result of a training run.
type Model struct {
	Vocab            types.TokenMap
	Merges           []types.Pair
	NumInitialMerges int
	Pattern          string
}

type trainWord struct {
	symbols []string
	count   int
}

type pairEntry struct {
	pair  types.Pair
	count int
}

// pairHeap orders pairs by count, highest first, then lexicographically so
// that ties are broken deterministically.
type pairHeap []pairEntry

func (h pairHeap) Len() int { return len(h) }
func (h pairHeap) Less(i, j int) bool {
	if h[i].count != h[j].count {
		return h[i].count > h[j].count
	}
	if h[i].pair.Left != h[j].pair.Left {
		return h[i].pair.Left < h[j].pair.Left
	}
	return h[i].pair.Right < h[j].pair.Right
}
func (h pairHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pairHeap) Push(x interface{}) { *h = append(*h, x.(pairEntry)) }
func (h *pairHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// Train consumes texts until io.EOF and learns merges until the vocabulary
// reaches the configured size or no pair is left to merge.
func (t *Trainer) Train(ctx context.Context, texts TextsIterator) (*Model,
	error) {
	words, totalBytes, err := t.countPretokens(ctx, texts)
	if err != nil {
		return nil, err
	}
	t.logger.Info("counted pretokens",
		zap.Int("distinct", len(words)),
		zap.String("bytes", humanize.Bytes(uint64(totalBytes))))

	vocab := make(types.TokenMap, t.cfg.VocabSize)
	for _, symbol := range baseAlphabet() {
		vocab[symbol] = types.Token(len(vocab))
	}
	merges := make([]types.Pair, 0, t.cfg.VocabSize-len(vocab))
	addMerge := func(pair types.Pair) {
		merges = append(merges, pair)
		if _, ok := vocab[pair.Merged()]; !ok {
			vocab[pair.Merged()] = types.Token(len(vocab))
		}
	}

	if len(t.cfg.InitialMerges) > 0 {
		ranks := make(map[types.Pair]int, len(t.cfg.InitialMerges))
		for rank, pair := range t.cfg.InitialMerges {
			addMerge(pair)
			if _, ok := ranks[pair]; !ok {
				ranks[pair] = rank
			}
		}
		for idx := range words {
			words[idx].symbols = mergeWord(words[idx].symbols, ranks)
		}
		t.logger.Info("applied initial merges",
			zap.Int("merges", len(t.cfg.InitialMerges)))
	}

	pairCounts := make(map[types.Pair]int)
	where := make(map[types.Pair]map[int]struct{})
	for idx, word := range words {
		for i := 1; i < len(word.symbols); i++ {
			pair := types.Pair{Left: word.symbols[i-1], Right: word.symbols[i]}
			pairCounts[pair] += word.count
			if where[pair] == nil {
				where[pair] = make(map[int]struct{})
			}
			where[pair][idx] = struct{}{}
		}
	}
	queue := make(pairHeap, 0, len(pairCounts))
	for pair, count := range pairCounts {
		queue = append(queue, pairEntry{pair: pair, count: count})
	}
	heap.Init(&queue)

	minFrequency := t.cfg.MinFrequency
	if minFrequency < 1 {
		minFrequency = 1
	}
	learned := 0
	for len(vocab) < t.cfg.VocabSize && queue.Len() > 0 {
		if learned%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		top := heap.Pop(&queue).(pairEntry)
		if pairCounts[top.pair] != top.count {
			// Stale entry; the current count was pushed when it changed.
			continue
		}
		if top.count < minFrequency {
			break
		}
		addMerge(top.pair)
		learned++

		changed := make(map[types.Pair]struct{})
		for _, idx := range sortedIndexes(where[top.pair]) {
			word := &words[idx]
			merged := mergePair(word.symbols, top.pair)
			if len(merged) == len(word.symbols) {
				continue
			}
			for i := 1; i < len(word.symbols); i++ {
				pair := types.Pair{Left: word.symbols[i-1],
					Right: word.symbols[i]}
				pairCounts[pair] -= word.count
				changed[pair] = struct{}{}
			}
			for i := 1; i < len(merged); i++ {
				pair := types.Pair{Left: merged[i-1], Right: merged[i]}
				pairCounts[pair] += word.count
				changed[pair] = struct{}{}
				if where[pair] == nil {
					where[pair] = make(map[int]struct{})
				}
				where[pair][idx] = struct{}{}
			}
			word.symbols = merged
		}
		delete(where, top.pair)
		for pair := range changed {
			if count := pairCounts[pair]; count > 0 {
				heap.Push(&queue, pairEntry{pair: pair, count: count})
			} else {
				delete(pairCounts, pair)
			}
		}
		if learned%10000 == 0 {
			t.logger.Debug("training progress",
				zap.Int("merges", len(merges)),
				zap.Int("vocab", len(vocab)))
		}
	}
	t.logger.Info("training complete",
		zap.Int("vocab", len(vocab)),
		zap.Int("merges", len(merges)),
		zap.Int("learned", learned))
	return &Model{
		Vocab:            vocab,
		Merges:           merges,
		NumInitialMerges: len(t.cfg.InitialMerges),
		Pattern:          t.pretok.Pattern(),
	}, nil
}

func (t *Trainer) countPretokens(ctx context.Context,
	texts TextsIterator) ([]trainWord, int64, error) {
	counts := make(map[string]int)
	var totalBytes int64
	for {
		text, err := texts(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, err
		}
		totalBytes += int64(len(text))
		spans, err := t.pretok.Split(text)
		if err != nil {
			return nil, 0, err
		}
		for _, span := range spans {
			counts[ByteLevel(span)]++
		}
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	words := make([]trainWord, len(keys))
	for idx, key := range keys {
		symbols := make([]string, 0, len(key))
		for _, r := range key {
			symbols = append(symbols, string(r))
		}
		words[idx] = trainWord{symbols: symbols, count: counts[key]}
	}
	return words, totalBytes, nil
}

func sortedIndexes(set map[int]struct{}) []int {
	idxs := make([]int, 0, len(set))
	for idx := range set {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	return idxs
}

// Save writes `vocab.json` and `merges.txt` into dir.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	vocabJson, err := marshalJSON(m.Vocab, "")
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, VocabFile),
		vocabJson, 0644); err != nil {
		return err
	}
	var mergesTxt bytes.Buffer
	if err := WriteMerges(&mergesTxt, m.Merges); err != nil {
		return err
	}
	return atomicfile.WriteFile(filepath.Join(dir, MergesFile),
		mergesTxt.Bytes(), 0644)
}

// TokenizerJSON returns the serializable form of the model.
func (m *Model) TokenizerJSON() *TokenizerJSON {
	return &TokenizerJSON{
		Version:      "1.0",
		PreTokenizer: newPreTokenizerJSON(m.Pattern),
		Model: ModelJSON{
			Type:   "BPE",
			Vocab:  m.Vocab,
			Merges: m.Merges,
		},
	}
}

// Serialize writes the model as a single `tokenizer.json` at path.
func (m *Model) Serialize(path string) error {
	tokenizerJson, err := marshalJSON(m.TokenizerJSON(), "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, tokenizerJson, 0644)
}

// Encoder builds an encoder that applies this model.
func (m *Model) Encoder() (*Encoder, error) {
	return NewEncoder(m.Vocab, m.Merges, m.Pattern)
}
