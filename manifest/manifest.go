// Package manifest records which inputs a training run used, so that a later
// invocation on the same output directory trains on exactly the same data.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	FileName          = "meta.json"
	MergesFile        = "merges.txt"
	InitialMergesFile = "initial_merges.txt"
	DefaultTextColumn = "text"
)

var (
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrMissingFile is returned when a recorded input is gone and cannot
	// be regenerated.
	ErrMissingFile = errors.New("manifest input file missing")
	// ErrUnderBudget is returned when a corpus holds fewer bytes than
	// requested and the configuration does not tolerate it.
	ErrUnderBudget = errors.New("corpus smaller than the byte budget")
)

type DatasetType string

const (
	DatasetFiles       DatasetType = "files"
	DatasetHuggingFace DatasetType = "huggingface"
)

// DatasetDescriptor names a remote streaming dataset.
type DatasetDescriptor struct {
	Name       string
	TextColumn string
}

// Manifest is the persisted `meta.json` of an output directory.
type Manifest struct {
	DatasetType      DatasetType `json:"dataset_type"`
	TotalBytes       int64       `json:"total_bytes"`
	TrainFiles       []string    `json:"train_files,omitempty"`
	DatasetName      string      `json:"dataset_name,omitempty"`
	TextColumn       string      `json:"text_column,omitempty"`
	NumInitialMerges *int        `json:"num_initial_merges,omitempty"`
}

// Validate checks the manifest against its dataset type.
func (m *Manifest) Validate() error {
	if m.TotalBytes < 0 {
		return fmt.Errorf("%w: negative total_bytes %d", ErrInvalidManifest,
			m.TotalBytes)
	}
	if m.NumInitialMerges != nil && *m.NumInitialMerges < 0 {
		return fmt.Errorf("%w: negative num_initial_merges %d",
			ErrInvalidManifest, *m.NumInitialMerges)
	}
	switch m.DatasetType {
	case DatasetFiles:
		if len(m.TrainFiles) == 0 {
			return fmt.Errorf("%w: no train_files", ErrInvalidManifest)
		}
	case DatasetHuggingFace:
		if m.DatasetName == "" {
			return fmt.Errorf("%w: no dataset_name", ErrInvalidManifest)
		}
	default:
		return fmt.Errorf("%w: unknown dataset_type %q", ErrInvalidManifest,
			m.DatasetType)
	}
	return nil
}

// Dataset returns the streaming dataset of a huggingface manifest, or nil.
func (m *Manifest) Dataset() *DatasetDescriptor {
	if m.DatasetType != DatasetHuggingFace {
		return nil
	}
	textColumn := m.TextColumn
	if textColumn == "" {
		textColumn = DefaultTextColumn
	}
	return &DatasetDescriptor{Name: m.DatasetName, TextColumn: textColumn}
}

// InitialMerges returns how many merges were inherited from an earlier
// stage, zero when none were.
func (m *Manifest) InitialMerges() int {
	if m.NumInitialMerges == nil {
		return 0
	}
	return *m.NumInitialMerges
}

func (m *Manifest) marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "     ")
}

func unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Mode says whether an output directory starts a new run or resumes one.
type Mode int

const (
	ModeFresh Mode = iota
	ModeResume
)

func (m Mode) String() string {
	if m == ModeResume {
		return "resume"
	}
	return "fresh"
}

// DetectMode derives the mode of outputDir from the presence of its
// manifest.
func DetectMode(outputDir string) (Mode, error) {
	_, err := os.Stat(filepath.Join(outputDir, FileName))
	if err == nil {
		return ModeResume, nil
	} else if os.IsNotExist(err) {
		return ModeFresh, nil
	}
	return ModeFresh, err
}

// UnderBudgetPolicy decides what a run does when its corpus holds fewer
// bytes than the budget asked for.
type UnderBudgetPolicy string

const (
	UnderBudgetIgnore UnderBudgetPolicy = "ignore"
	UnderBudgetWarn   UnderBudgetPolicy = "warn"
	UnderBudgetFail   UnderBudgetPolicy = "fail"
)

func (p UnderBudgetPolicy) Validate() error {
	switch p {
	case UnderBudgetIgnore, UnderBudgetWarn, UnderBudgetFail:
		return nil
	}
	return fmt.Errorf("unknown under-budget policy %q", p)
}

// UnderBudget reports whether a files manifest holds fewer than target
// bytes. Streaming manifests record their budget, not what was read, and
// never count as under budget.
func (m *Manifest) UnderBudget(target int64) bool {
	return m.DatasetType == DatasetFiles && target > 0 && m.TotalBytes < target
}
