package superbpe

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// DIGITS_REGEX isolates digit runs in groups of three, counted from the right.
const DIGITS_REGEX = `\d{1,3}(?=(?:\d{3})*(?!\d))`

// WHITESPACE_REGEX is the GPT-2 word split, minus the contractions.
const WHITESPACE_REGEX = ` ?\p{L}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// SPLIT_REGEX is used for tokenizers that ship without a Split pattern,
// such as stock GPT-2 byte-level BPE.
const SPLIT_REGEX = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

const REGEX_ERROR = "superbpe: error compiling pretokenization regex %q: %w"

// PretokenizationRegex returns the split pattern used for training. Without
// whitespace pretokenization only digits are isolated, so learned tokens may
// span several words (superword tokens).
func PretokenizationRegex(whitespace bool) string {
	if whitespace {
		return DIGITS_REGEX + "|" + WHITESPACE_REGEX
	}
	return DIGITS_REGEX
}

// Pretokenizer splits text into the spans that merges may not cross.
// Matches and the text between matches are both kept ("isolated" split).
type Pretokenizer struct {
	pattern string
	re      *regexp2.Regexp
}

func NewPretokenizer(pattern string) (*Pretokenizer, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf(REGEX_ERROR, pattern, err)
	}
	return &Pretokenizer{pattern: pattern, re: re}, nil
}

func (p *Pretokenizer) Pattern() string {
	return p.pattern
}

// Split cuts text into lines, keeping each newline, and each line into
// pretokens.
func (p *Pretokenizer) Split(text string) ([]string, error) {
	spans := make([]string, 0, len(text)/4+1)
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		var err error
		if spans, err = p.splitLine(line, spans); err != nil {
			return nil, err
		}
	}
	return spans, nil
}

// Count returns the number of pretokens in text.
func (p *Pretokenizer) Count(text string) (int, error) {
	spans, err := p.Split(text)
	if err != nil {
		return 0, err
	}
	return len(spans), nil
}

func (p *Pretokenizer) splitLine(line string, spans []string) ([]string,
	error) {
	// regexp2 reports match positions in runes.
	runes := []rune(line)
	last := 0
	m, err := p.re.FindRunesMatch(runes)
	for err == nil && m != nil {
		if m.Index > last {
			spans = append(spans, string(runes[last:m.Index]))
		}
		if m.Length > 0 {
			spans = append(spans, string(runes[m.Index:m.Index+m.Length]))
		}
		last = m.Index + m.Length
		m, err = p.re.FindNextMatch(m)
	}
	if err != nil {
		return nil, err
	}
	if last < len(runes) {
		spans = append(spans, string(runes[last:]))
	}
	return spans, nil
}
