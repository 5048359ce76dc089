package superbpe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wbrown/superbpe/types"
)

// TokenizerJSON is the subset of the Hugging Face `tokenizer.json` layout
// that we read and write.
type TokenizerJSON struct {
	Version      string            `json:"version"`
	PreTokenizer *PreTokenizerJSON `json:"pre_tokenizer"`
	Model        ModelJSON         `json:"model"`
}

type ModelJSON struct {
	Type         string         `json:"type"`
	Dropout      *float64       `json:"dropout"`
	UnkToken     *string        `json:"unk_token"`
	IgnoreMerges bool           `json:"ignore_merges"`
	Vocab        types.TokenMap `json:"vocab"`
	Merges       MergeList      `json:"merges"`
}

type PreTokenizerJSON struct {
	Type             string              `json:"type"`
	Pretokenizers    []*PreTokenizerJSON `json:"pretokenizers,omitempty"`
	Pattern          *PatternJSON        `json:"pattern,omitempty"`
	Behavior         string              `json:"behavior,omitempty"`
	Invert           *bool               `json:"invert,omitempty"`
	IndividualDigits *bool               `json:"individual_digits,omitempty"`
	AddPrefixSpace   *bool               `json:"add_prefix_space,omitempty"`
	TrimOffsets      *bool               `json:"trim_offsets,omitempty"`
	UseRegex         *bool               `json:"use_regex,omitempty"`
}

type PatternJSON struct {
	Regex  string `json:"Regex,omitempty"`
	String string `json:"String,omitempty"`
}

// MergeList serializes as `"left right"` strings, and accepts the newer
// `["left", "right"]` form when reading.
type MergeList []types.Pair

func (ml MergeList) MarshalJSON() ([]byte, error) {
	merges := make([]string, len(ml))
	for idx, merge := range ml {
		merges[idx] = merge.String()
	}
	return marshalJSON(merges, "")
}

func (ml *MergeList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	merges := make(MergeList, 0, len(raw))
	for idx, entry := range raw {
		var asString string
		if err := json.Unmarshal(entry, &asString); err == nil {
			leftRight := strings.SplitN(asString, " ", 2)
			if len(leftRight) != 2 {
				return fmt.Errorf("malformed merge %d: %q", idx, asString)
			}
			merges = append(merges, types.Pair{Left: leftRight[0],
				Right: leftRight[1]})
			continue
		}
		var asPair []string
		if err := json.Unmarshal(entry, &asPair); err != nil ||
			len(asPair) != 2 {
			return fmt.Errorf("malformed merge %d: %s", idx, entry)
		}
		merges = append(merges, types.Pair{Left: asPair[0],
			Right: asPair[1]})
	}
	*ml = merges
	return nil
}

// ParseTokenizerJSON decodes a tokenizer.json and checks that it describes
// a BPE model.
func ParseTokenizerJSON(data []byte) (*TokenizerJSON, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("cannot unmarshal `tokenizer.json`: %w", err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return nil, fmt.Errorf("%w: tokenizer model type %q",
			ErrUnsupportedAlgorithm, tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("`tokenizer.json` has an empty vocabulary")
	}
	return &tj, nil
}

// PretokenizationPattern returns the first Split regex found in the
// pre-tokenizer tree, or "" when there is none.
func (tj *TokenizerJSON) PretokenizationPattern() string {
	return findSplitRegex(tj.PreTokenizer)
}

func findSplitRegex(node *PreTokenizerJSON) string {
	if node == nil {
		return ""
	}
	if node.Type == "Split" && node.Pattern != nil && node.Pattern.Regex != "" {
		return node.Pattern.Regex
	}
	for _, child := range node.Pretokenizers {
		if pattern := findSplitRegex(child); pattern != "" {
			return pattern
		}
	}
	return ""
}

// newPreTokenizerJSON mirrors the training pipeline: digits, byte-level
// mapping, then the isolated regex split.
func newPreTokenizerJSON(pattern string) *PreTokenizerJSON {
	no, yes := false, true
	return &PreTokenizerJSON{
		Type: "Sequence",
		Pretokenizers: []*PreTokenizerJSON{
			{Type: "Digits", IndividualDigits: &no},
			{Type: "ByteLevel", AddPrefixSpace: &no, TrimOffsets: &yes,
				UseRegex: &no},
			{Type: "Split", Pattern: &PatternJSON{Regex: pattern},
				Behavior: "Isolated", Invert: &no},
		},
	}
}

func marshalJSON(v interface{}, indent string) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
