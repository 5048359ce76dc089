package evaluate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/wbrown/superbpe"
	"github.com/wbrown/superbpe/resources"
	"github.com/wbrown/superbpe/types"
)

// TiktokenPrefix marks a location naming a built-in tiktoken encoding, as in
// "tiktoken:cl100k_base".
const TiktokenPrefix = "tiktoken:"

var (
	// ErrVocabularyTooSmall is returned when a truncation asks for more
	// merges than the tokenizer's vocabulary holds.
	ErrVocabularyTooSmall = errors.New(
		"requested vocabulary size exceeds the tokenizer's")
	ErrNotTruncatable = errors.New("tokenizer cannot be truncated")
)

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) (types.Tokens, error)
}

// Tokenizer is an encoder plus what the evaluator needs to know about it.
type Tokenizer struct {
	Name    string
	Encoder Encoder
	// VocabSize is zero when the encoder does not expose it.
	VocabSize int
	// Pretokenizer is nil when pretokens are not counted.
	Pretokenizer *superbpe.Pretokenizer
	// Truncated is the merge count the vocabulary was cut to, or zero.
	Truncated int

	bpe *superbpe.Encoder
}

// NewTokenizer wraps a byte-level BPE encoder.
func NewTokenizer(name string, encoder *superbpe.Encoder) *Tokenizer {
	return &Tokenizer{
		Name:         name,
		Encoder:      encoder,
		VocabSize:    encoder.VocabSize(),
		Pretokenizer: encoder.Pretokenizer(),
		bpe:          encoder,
	}
}

// LoadTokenizer resolves location, a tokenizer directory, `tokenizer.json`,
// URL, huggingface.co id or tiktoken encoding name.
func LoadTokenizer(ctx context.Context, location string, cacheDir string,
	opts ...resources.Option) (*Tokenizer, error) {
	if encoding, ok := strings.CutPrefix(location, TiktokenPrefix); ok {
		return loadTiktoken(encoding)
	}
	rsrcs, err := resources.ResolveTokenizer(ctx, location, cacheDir, opts...)
	if err != nil {
		return nil, err
	}
	defer rsrcs.Cleanup()
	encoder, _, err := superbpe.NewEncoderFromResources(rsrcs)
	if err != nil {
		return nil, fmt.Errorf("cannot load tokenizer %s: %w", location, err)
	}
	return NewTokenizer(tokenizerName(location), encoder), nil
}

// tokenizerName names a tokenizer after the directory holding it.
func tokenizerName(location string) string {
	location = strings.TrimRight(location, "/")
	if strings.HasSuffix(location, ".json") {
		location = filepath.Dir(location)
	}
	return filepath.Base(location)
}

// Truncate returns a tokenizer applying only the first vocabSize merges.
// Pretokens are not counted for truncated tokenizers.
func (t *Tokenizer) Truncate(vocabSize int) (*Tokenizer, error) {
	if t.bpe == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTruncatable, t.Name)
	}
	if vocabSize > t.VocabSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrVocabularyTooSmall,
			vocabSize, t.VocabSize)
	}
	encoder, err := t.bpe.TruncateMerges(vocabSize)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{
		Name:      t.Name,
		Encoder:   encoder,
		VocabSize: t.VocabSize,
		Truncated: vocabSize,
		bpe:       encoder,
	}, nil
}

type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func loadTiktoken(encoding string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("cannot load tiktoken encoding %q: %w",
			encoding, err)
	}
	return &Tokenizer{Name: encoding, Encoder: tiktokenEncoder{enc: enc}}, nil
}

func (t tiktokenEncoder) Encode(text string) (types.Tokens, error) {
	ids := t.enc.Encode(text, nil, nil)
	tokens := make(types.Tokens, len(ids))
	for idx, id := range ids {
		tokens[idx] = types.Token(id)
	}
	return tokens, nil
}
