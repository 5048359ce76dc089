package superbpe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wbrown/superbpe/types"
)

// MergesHeader is the first line of every merges.txt we write. Readers skip
// it when present.
const MergesHeader = "#version: 0.2"

var byteToRune, runeToByte = bytesUnicodeTables()

// bytesUnicodeTables builds the GPT-2 reversible byte <-> unicode mapping.
// Printable Latin-1 bytes map to themselves, the rest are shifted above 255
// so that no byte maps to whitespace or a control character.
func bytesUnicodeTables() ([256]rune, map[rune]byte) {
	var bytesUnicode [256]rune
	mapped := make(map[byte]bool, 256)
	unicodeBytes := make(map[rune]byte, 256)
	for b := uint16('!'); b < uint16('~')+1; b++ {
		mapped[byte(b)] = true
	}
	for b := uint16('¡'); b < uint16('¬')+1; b++ {
		mapped[byte(b)] = true
	}
	for b := uint16('®'); b < uint16('ÿ')+1; b++ {
		mapped[byte(b)] = true
	}
	uct := 0
	for b := 0; b < 256; b++ {
		if mapped[byte(b)] {
			bytesUnicode[b] = rune(b)
		} else {
			bytesUnicode[b] = rune(256 + uct)
			uct += 1
		}
		unicodeBytes[bytesUnicode[b]] = byte(b)
	}
	return bytesUnicode, unicodeBytes
}

// ByteLevel maps every byte of text onto its byte-level rune.
func ByteLevel(text string) string {
	var sb strings.Builder
	sb.Grow(len(text) * 2)
	for i := 0; i < len(text); i++ {
		sb.WriteRune(byteToRune[text[i]])
	}
	return sb.String()
}

// FromByteLevel reverses ByteLevel. Runes outside the byte-level alphabet
// are passed through as UTF-8.
func FromByteLevel(symbols string) []byte {
	out := make([]byte, 0, len(symbols))
	for _, r := range symbols {
		if b, ok := runeToByte[r]; ok {
			out = append(out, b)
		} else {
			out = append(out, string(r)...)
		}
	}
	return out
}

// baseAlphabet returns the 256 byte-level symbols in byte order.
func baseAlphabet() []string {
	alphabet := make([]string, 256)
	for b := 0; b < 256; b++ {
		alphabet[b] = string(byteToRune[b])
	}
	return alphabet
}

// scanMerges calls fn for each merge rule in merges.txt format. A leading
// #version line and blank lines are skipped.
func scanMerges(r io.Reader, fn func(left, right string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo == 1 && strings.HasPrefix(line, "#version") {
			continue
		}
		if line == "" {
			continue
		}
		leftRight := strings.SplitN(line, " ", 2)
		if len(leftRight) != 2 {
			return fmt.Errorf("malformed merge on line %d: %q",
				lineNo, line)
		}
		fn(leftRight[0], leftRight[1])
	}
	return scanner.Err()
}

// ReadMerges parses merges.txt format.
func ReadMerges(r io.Reader) ([]types.Pair, error) {
	merges := make([]types.Pair, 0)
	if err := scanMerges(r, func(left, right string) {
		merges = append(merges, types.Pair{Left: left, Right: right})
	}); err != nil {
		return nil, err
	}
	return merges, nil
}

// ReadMergesFile reads merges from a merges.txt on disk.
func ReadMergesFile(path string) ([]types.Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadMerges(f)
}

// WriteMerges writes merges in merges.txt format, header first.
func WriteMerges(w io.Writer, merges []types.Pair) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(MergesHeader + "\n"); err != nil {
		return err
	}
	for _, merge := range merges {
		if _, err := bw.WriteString(merge.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// CountMergeLines counts the merge rules in a merges.txt the way
// ReadMergesFile reads them, header or not.
func CountMergeLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	count := 0
	if err := scanMerges(f, func(string, string) { count++ }); err != nil {
		return 0, err
	}
	return count, nil
}
