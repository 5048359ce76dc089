package superbpe

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/wbrown/superbpe/resources"
	"github.com/wbrown/superbpe/types"
)

const BPE_LRU_SZ = 65536

// Encoder applies learned merges to text. It is safe for concurrent use.
type Encoder struct {
	Encoder  types.TokenMap
	Decoder  map[types.Token]string
	BpeRanks map[types.Pair]int
	Cache    *lru.ARCCache

	merges    []types.Pair
	pretok    *Pretokenizer
	lruHits   atomic.Int64
	lruMisses atomic.Int64
}

// NewEncoder builds an encoder from a vocabulary, an ordered merge list and
// a pretokenization regex. An empty pattern falls back to SPLIT_REGEX.
func NewEncoder(vocab types.TokenMap, merges []types.Pair,
	pattern string) (*Encoder, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("superbpe: empty vocabulary")
	}
	if pattern == "" {
		pattern = SPLIT_REGEX
	}
	pretok, err := NewPretokenizer(pattern)
	if err != nil {
		return nil, err
	}
	decoder := make(map[types.Token]string, len(vocab))
	for text, token := range vocab {
		decoder[token] = text
	}
	bpeRanks := make(map[types.Pair]int, len(merges))
	for rank, merge := range merges {
		// The first occurrence of a duplicated merge wins.
		if _, ok := bpeRanks[merge]; !ok {
			bpeRanks[merge] = rank
		}
	}
	cache, err := lru.NewARC(BPE_LRU_SZ)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		Encoder:  vocab,
		Decoder:  decoder,
		BpeRanks: bpeRanks,
		Cache:    cache,
		merges:   merges,
		pretok:   pretok,
	}, nil
}

// NewEncoderFromJSON builds an encoder from a parsed tokenizer.json.
func NewEncoderFromJSON(tj *TokenizerJSON) (*Encoder, error) {
	return NewEncoder(tj.Model.Vocab, tj.Model.Merges,
		tj.PretokenizationPattern())
}

// NewEncoderFromResources builds an encoder from resolved tokenizer
// resources: `tokenizer.json` when present, otherwise the `vocab.json` and
// `merges.txt` pair.
func NewEncoderFromResources(rsrcs *resources.Resources) (*Encoder,
	*TokenizerJSON, error) {
	if entry, ok := (*rsrcs)["tokenizer.json"]; ok && entry.Data != nil {
		tj, err := ParseTokenizerJSON(*entry.Data)
		if err != nil {
			return nil, nil, err
		}
		encoder, err := NewEncoderFromJSON(tj)
		return encoder, tj, err
	}
	vocabEntry, vocabOk := (*rsrcs)["vocab.json"]
	mergesEntry, mergesOk := (*rsrcs)["merges.txt"]
	if !vocabOk || !mergesOk || vocabEntry.Data == nil ||
		mergesEntry.Data == nil {
		return nil, nil, fmt.Errorf(
			"need `tokenizer.json` or both `vocab.json` and `merges.txt`")
	}
	vocab := make(types.TokenMap)
	if err := json.Unmarshal(*vocabEntry.Data, &vocab); err != nil {
		return nil, nil, fmt.Errorf("cannot unmarshal `vocab.json`: %w", err)
	}
	merges, err := ReadMerges(strings.NewReader(string(*mergesEntry.Data)))
	if err != nil {
		return nil, nil, err
	}
	tj := &TokenizerJSON{
		Version:      "1.0",
		PreTokenizer: newPreTokenizerJSON(SPLIT_REGEX),
		Model:        ModelJSON{Type: "BPE", Vocab: vocab, Merges: merges},
	}
	encoder, err := NewEncoderFromJSON(tj)
	return encoder, tj, err
}

func (encoder *Encoder) VocabSize() int {
	return len(encoder.Encoder)
}

func (encoder *Encoder) NumMerges() int {
	return len(encoder.merges)
}

func (encoder *Encoder) Pretokenizer() *Pretokenizer {
	return encoder.pretok
}

// LruStats reports pretoken cache hits and misses.
func (encoder *Encoder) LruStats() (hits int64, misses int64) {
	return encoder.lruHits.Load(), encoder.lruMisses.Load()
}

// TruncateMerges returns an encoder that only applies the first n merges.
// The vocabulary is left as is; tokens of dropped merges are never produced.
func (encoder *Encoder) TruncateMerges(n int) (*Encoder, error) {
	if n < 0 {
		return nil, fmt.Errorf("superbpe: negative merge count %d", n)
	}
	if n > len(encoder.merges) {
		n = len(encoder.merges)
	}
	return NewEncoder(encoder.Encoder, encoder.merges[:n],
		encoder.pretok.Pattern())
}

// getPairs returns the distinct adjacent symbol pairs of word.
func getPairs(word []string) []types.Pair {
	pairsSet := make(map[types.Pair]bool, len(word))
	pairs := make([]types.Pair, 0, len(word))
	for idx := 1; idx < len(word); idx++ {
		pair := types.Pair{Left: word[idx-1], Right: word[idx]}
		if !pairsSet[pair] {
			pairsSet[pair] = true
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// minPair returns the adjacent pair of word with the lowest merge rank.
func minPair(word []string, ranks map[types.Pair]int) (types.Pair, bool) {
	var retPair types.Pair
	best := math.MaxInt
	for _, pair := range getPairs(word) {
		if rank, ok := ranks[pair]; ok && rank < best {
			best = rank
			retPair = pair
		}
	}
	return retPair, best != math.MaxInt
}

// pos finds the index of the first occurrence of seek in word past index i.
func pos(word []string, seek string, i int) int {
	for j, v := range word[i:] {
		if seek == v {
			return j + i
		}
	}
	return -1
}

// mergePair replaces every non-overlapping occurrence of bigram in word,
// scanning left to right.
func mergePair(word []string, bigram types.Pair) []string {
	first, second := bigram.Left, bigram.Right
	newWord := make([]string, 0, len(word))
	for i := 0; i < len(word); {
		j := pos(word, first, i)
		if j == -1 {
			newWord = append(newWord, word[i:]...)
			break
		}
		newWord = append(newWord, word[i:j]...)
		i = j
		if i < len(word)-1 && word[i+1] == second {
			newWord = append(newWord, first+second)
			i += 2
		} else {
			newWord = append(newWord, word[i])
			i += 1
		}
	}
	return newWord
}

// mergeWord applies merges to word in rank order until none applies.
func mergeWord(word []string, ranks map[types.Pair]int) []string {
	for len(word) > 1 {
		bigram, ok := minPair(word, ranks)
		if !ok {
			break
		}
		word = mergePair(word, bigram)
	}
	return word
}

// ToBPE encodes a single byte-level pretoken.
func (encoder *Encoder) ToBPE(text string) types.Tokens {
	if lookup, ok := encoder.Cache.Get(text); ok {
		encoder.lruHits.Add(1)
		return lookup.(types.Tokens)
	}
	encoder.lruMisses.Add(1)
	word := mergeWord(strings.Split(text, ""), encoder.BpeRanks)
	tokens := make(types.Tokens, 0, len(word))
	for _, symbol := range word {
		if token, ok := encoder.Encoder[symbol]; ok {
			tokens = append(tokens, token)
			continue
		}
		// A merged symbol missing from the vocabulary falls back to its
		// byte-level characters.
		for _, r := range symbol {
			if token, ok := encoder.Encoder[string(r)]; ok {
				tokens = append(tokens, token)
			}
		}
	}
	encoder.Cache.Add(text, tokens)
	return tokens
}

// Encode pretokenizes text and encodes every pretoken.
func (encoder *Encoder) Encode(text string) (types.Tokens, error) {
	spans, err := encoder.pretok.Split(text)
	if err != nil {
		return nil, err
	}
	tokens := make(types.Tokens, 0, len(text)/3+1)
	for _, span := range spans {
		tokens = append(tokens, encoder.ToBPE(ByteLevel(span))...)
	}
	return tokens, nil
}

// Decode Tokens back into a string.
func (encoder *Encoder) Decode(encoded types.Tokens) string {
	var sb strings.Builder
	for _, token := range encoded {
		sb.WriteString(encoder.Decoder[token])
	}
	return string(FromByteLevel(sb.String()))
}
