package corpus

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yargevad/filepathx"
)

// Fixed shuffle seeds, so that repeated runs against an unchanged corpus
// select the same files.
const (
	TrainingSeed   int64 = 0
	EvaluationSeed int64 = 5
)

var DefaultExtensions = []string{".txt"}

type PathInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// NewRand returns the generator the sampler shuffles with.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// IsEligible reports whether a file name is a corpus member: it carries one
// of the extensions and is neither a truncation nor a split artifact.
func IsEligible(name string, extensions []string) bool {
	base := filepath.Base(name)
	if strings.Contains(base, "truncated") || strings.Contains(base, "split") {
		return false
	}
	for _, ext := range extensions {
		if strings.HasSuffix(base, ext) {
			return true
		}
	}
	return false
}

// ListEligible
// Returns the eligible files of dirPath sorted by path. With recursive set,
// subdirectories are searched as well.
func ListEligible(dirPath string, extensions []string,
	recursive bool) ([]PathInfo, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	var paths []string
	if recursive {
		seen := make(map[string]bool)
		for _, ext := range extensions {
			matches, err := filepathx.Glob(dirPath + "/**/*" + ext)
			if err != nil {
				return nil, err
			}
			for _, match := range matches {
				if !seen[match] {
					seen[match] = true
					paths = append(paths, match)
				}
			}
		}
	} else {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			paths = append(paths, filepath.Join(dirPath, entry.Name()))
		}
	}

	pathInfos := make([]PathInfo, 0, len(paths))
	for _, currPath := range paths {
		if !IsEligible(currPath, extensions) {
			continue
		}
		stat, statErr := os.Stat(currPath)
		if statErr != nil {
			return nil, statErr
		}
		if !stat.Mode().IsRegular() {
			continue
		}
		pathInfos = append(pathInfos, PathInfo{
			Path:    currPath,
			Size:    stat.Size(),
			ModTime: stat.ModTime(),
		})
	}
	SortPathInfoByPath(pathInfos, true)
	return pathInfos, nil
}

func SortPathInfoByPath(pathInfos []PathInfo, ascending bool) {
	if ascending {
		sort.Slice(pathInfos, func(i, j int) bool {
			return pathInfos[i].Path < pathInfos[j].Path
		})
	} else {
		sort.Slice(pathInfos, func(i, j int) bool {
			return pathInfos[i].Path > pathInfos[j].Path
		})
	}
}

func ShufflePathInfos(pathInfos []PathInfo, rng *rand.Rand) {
	for i := len(pathInfos) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		pathInfos[i], pathInfos[j] = pathInfos[j], pathInfos[i]
	}
}

// TotalSize sums the sizes of pathInfos.
func TotalSize(pathInfos []PathInfo) int64 {
	var total int64
	for _, pathInfo := range pathInfos {
		total += pathInfo.Size
	}
	return total
}

func describe(dirPath string, extensions []string) string {
	return fmt.Sprintf("%s (%s)", dirPath, strings.Join(extensions, ", "))
}
