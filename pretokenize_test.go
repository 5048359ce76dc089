package superbpe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type SplitTest struct {
	Name     string
	Pattern  string
	Input    string
	Expected []string
}

var splitTests = []SplitTest{
	{"digits grouped from the right",
		PretokenizationRegex(false),
		"1234567",
		[]string{"1", "234", "567"}},
	{"superword keeps words together",
		PretokenizationRegex(false),
		"by the way",
		[]string{"by the way"}},
	{"superword isolates digits",
		PretokenizationRegex(false),
		"in 2024 we",
		[]string{"in ", "2", "024", " we"}},
	{"whitespace pretokenization",
		PretokenizationRegex(true),
		"Hello world, 12345!",
		[]string{"Hello", " world", ",", " ", "12", "345", "!"}},
	{"trailing whitespace run",
		PretokenizationRegex(true),
		"a   b",
		[]string{"a", "  ", " b"}},
	{"lines split before pretokenization",
		PretokenizationRegex(false),
		"one two\nthree four\n",
		[]string{"one two\n", "three four\n"}},
}

func TestPretokenizer_Split(t *testing.T) {
	for _, test := range splitTests {
		t.Run(test.Name, func(t *testing.T) {
			pretok, err := NewPretokenizer(test.Pattern)
			require.NoError(t, err)
			spans, err := pretok.Split(test.Input)
			require.NoError(t, err)
			assert.Equal(t, test.Expected, spans)
		})
	}
}

func TestPretokenizer_SplitIsLossless(t *testing.T) {
	pretok, err := NewPretokenizer(PretokenizationRegex(true))
	require.NoError(t, err)
	text := "Ünïcödé text — with 3,141,592 digits\n\nand  spacing\t\tand 日本語.\n"
	spans, err := pretok.Split(text)
	require.NoError(t, err)
	assert.Equal(t, text, strings.Join(spans, ""))
}

func TestPretokenizer_Count(t *testing.T) {
	pretok, err := NewPretokenizer(PretokenizationRegex(true))
	require.NoError(t, err)
	count, err := pretok.Count("Hello world")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNewPretokenizerInvalid(t *testing.T) {
	_, err := NewPretokenizer(`(unclosed`)
	assert.Error(t, err)
}
