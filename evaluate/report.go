package evaluate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wbrown/superbpe/pkg/atomicfile"
)

const (
	TokenCountsFile    = "token_byte_counts.json"
	PretokenCountsFile = "pretoken_byte_counts.json"

	reportIndent = "     "
)

// Report totals an evaluation run.
type Report struct {
	TestFiles     []string
	TokenCount    int64
	PretokenCount int64
	ByteCount     int64
	// CountedPretokens is false when PretokenCount was not measured.
	CountedPretokens bool
	// VocabSize is the truncated vocabulary evaluated, zero for the full
	// vocabulary.
	VocabSize int
}

type tokenCounts struct {
	TestFiles  []string `json:"test_files"`
	TokenCount int64    `json:"token_count"`
	ByteCount  int64    `json:"byte_count"`
}

type pretokenCounts struct {
	TestFiles     []string `json:"test_files"`
	PretokenCount int64    `json:"pretoken_count"`
	ByteCount     int64    `json:"byte_count"`
}

// BytesPerToken is the encoding efficiency, zero when nothing was encoded.
func (r *Report) BytesPerToken() float64 {
	if r.TokenCount == 0 {
		return 0
	}
	return float64(r.ByteCount) / float64(r.TokenCount)
}

// TokenCountsFileName is `token_byte_counts.json`, suffixed with the
// vocabulary size when the vocabulary was truncated.
func (r *Report) TokenCountsFileName() string {
	if r.VocabSize > 0 {
		return fmt.Sprintf("token_byte_counts_%d.json", r.VocabSize)
	}
	return TokenCountsFile
}

// Save writes the token counts, and the pretoken counts when measured, into
// outputDir. It returns the paths written.
func (r *Report) Save(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	testFiles := r.TestFiles
	if testFiles == nil {
		testFiles = []string{}
	}
	tokensPath := filepath.Join(outputDir, r.TokenCountsFileName())
	if err := writeJSON(tokensPath, tokenCounts{
		TestFiles:  testFiles,
		TokenCount: r.TokenCount,
		ByteCount:  r.ByteCount,
	}); err != nil {
		return nil, err
	}
	written := []string{tokensPath}
	if !r.CountedPretokens {
		return written, nil
	}
	pretokensPath := filepath.Join(outputDir, PretokenCountsFile)
	if err := writeJSON(pretokensPath, pretokenCounts{
		TestFiles:     testFiles,
		PretokenCount: r.PretokenCount,
		ByteCount:     r.ByteCount,
	}); err != nil {
		return nil, err
	}
	return append(written, pretokensPath), nil
}

// writeHistogram writes the token id counts of one file.
func writeHistogram(path string, result *FileResult) error {
	return writeJSON(path, result.Histogram)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", reportIndent)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, data, 0644)
}
