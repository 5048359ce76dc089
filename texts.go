package superbpe

import (
	"bufio"
	"context"
	"io"
	"os"
)

// TextsIterator yields training texts one at a time and returns io.EOF once
// exhausted.
type TextsIterator func(ctx context.Context) (string, error)

// SliceTexts iterates over an in-memory slice.
func SliceTexts(texts []string) TextsIterator {
	idx := 0
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if idx >= len(texts) {
			return "", io.EOF
		}
		idx++
		return texts[idx-1], nil
	}
}

// FileTexts yields the lines of a list of files, newline included, opening
// each file only when the previous one is exhausted.
type FileTexts struct {
	paths  []string
	idx    int
	file   *os.File
	reader *bufio.Reader
}

func NewFileTexts(paths []string) *FileTexts {
	return &FileTexts{paths: paths}
}

func (ft *FileTexts) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if ft.reader == nil {
			if ft.idx >= len(ft.paths) {
				return "", io.EOF
			}
			file, err := os.Open(ft.paths[ft.idx])
			if err != nil {
				return "", err
			}
			ft.idx++
			ft.file = file
			ft.reader = bufio.NewReaderSize(file, 8*1024*1024)
		}
		line, err := ft.reader.ReadString('\n')
		if err == io.EOF {
			if closeErr := ft.Close(); closeErr != nil {
				return "", closeErr
			}
			if line == "" {
				continue
			}
			return line, nil
		} else if err != nil {
			_ = ft.Close()
			return "", err
		}
		return line, nil
	}
}

// Close releases the file currently being read, if any.
func (ft *FileTexts) Close() error {
	if ft.file == nil {
		return nil
	}
	err := ft.file.Close()
	ft.file = nil
	ft.reader = nil
	return err
}
