package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/superbpe/corpus"
)

func writeCorpus(t *testing.T, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name),
			[]byte(strings.Repeat("y", size)), 0644))
	}
	return dir
}

func newStore(outputDir string) *Store {
	truncator := corpus.NewTruncator()
	sampler := corpus.NewSampler(truncator, corpus.WithSeed(corpus.TrainingSeed))
	return NewStore(outputDir, sampler, truncator)
}

func TestDetectMode(t *testing.T) {
	dir := t.TempDir()
	mode, err := DetectMode(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeFresh, mode)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("{}"), 0644))
	mode, err = DetectMode(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeResume, mode)
	assert.Equal(t, "resume", mode.String())
}

func TestStore_CreateFiles(t *testing.T) {
	corpusDir := writeCorpus(t, map[string]int{"a.txt": 400, "b.txt": 300,
		"c.txt": 250})
	outputDir := filepath.Join(t.TempDir(), "out")
	store := newStore(outputDir)

	m, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{CorpusDir: corpusDir, TargetBytes: 600, Wraparound: true})
	require.NoError(t, err)
	assert.Equal(t, DatasetFiles, m.DatasetType)
	assert.Equal(t, int64(600), m.TotalBytes)
	assert.NotEmpty(t, m.TrainFiles)
	assert.Nil(t, m.NumInitialMerges)

	raw := make(map[string]interface{})
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "files", raw["dataset_type"])
	assert.Equal(t, float64(600), raw["total_bytes"])
	assert.Len(t, raw["train_files"], len(m.TrainFiles))
	assert.NotContains(t, raw, "num_initial_merges")
	assert.NotContains(t, raw, "dataset_name")
}

func TestStore_SecondCallKeepsFirstInputs(t *testing.T) {
	corpusDir := writeCorpus(t, map[string]int{"a.txt": 400, "b.txt": 300,
		"c.txt": 250})
	outputDir := t.TempDir()
	store := newStore(outputDir)

	first, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{CorpusDir: corpusDir, TargetBytes: 600, Wraparound: true})
	require.NoError(t, err)

	// The corpus changes and a different budget is asked for.
	require.NoError(t, os.WriteFile(filepath.Join(corpusDir, "d.txt"),
		[]byte("new"), 0644))
	mode, err := DetectMode(outputDir)
	require.NoError(t, err)
	second, err := newStore(outputDir).LoadOrCreate(context.Background(),
		mode, Request{CorpusDir: corpusDir, TargetBytes: 900,
			Wraparound: true})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Even a fresh-mode call never overwrites an existing manifest.
	third, err := newStore(outputDir).LoadOrCreate(context.Background(),
		ModeFresh, Request{CorpusDir: corpusDir, TargetBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestStore_RegeneratesTruncatedFile(t *testing.T) {
	corpusDir := writeCorpus(t, map[string]int{"a.txt": 700, "b.txt": 700})
	outputDir := t.TempDir()
	store := newStore(outputDir)

	created, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{CorpusDir: corpusDir, TargetBytes: 1000, Wraparound: true})
	require.NoError(t, err)
	require.Len(t, created.TrainFiles, 2)
	assert.Equal(t, int64(1000), created.TotalBytes)
	truncated := created.TrainFiles[1]
	_, requested, ok := corpus.ParseTruncatedPath(truncated)
	require.True(t, ok)
	assert.Equal(t, int64(300), requested)

	require.NoError(t, os.Remove(truncated))
	loaded, err := newStore(outputDir).LoadOrCreate(context.Background(),
		ModeResume, Request{})
	require.NoError(t, err)
	assert.Equal(t, created, loaded)
	stat, err := os.Stat(truncated)
	require.NoError(t, err)
	assert.Equal(t, int64(300), stat.Size())
}

func TestStore_MissingSourceFile(t *testing.T) {
	corpusDir := writeCorpus(t, map[string]int{"a.txt": 10})
	outputDir := t.TempDir()
	store := newStore(outputDir)
	_, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{CorpusDir: corpusDir})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(corpusDir, "a.txt")))
	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestStore_RelativeCorpusDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "corpus"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "corpus", "a.txt"),
		[]byte(strings.Repeat("y", 400)), 0644))
	outputDir := t.TempDir()
	store := newStore(outputDir)

	chdir(t, root)
	m, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{CorpusDir: "corpus", TargetBytes: 100})
	require.NoError(t, err)
	require.NotEmpty(t, m.TrainFiles)
	for _, file := range m.TrainFiles {
		assert.True(t, filepath.IsAbs(file), file)
		require.NoError(t, os.Remove(file))
	}

	// Resuming elsewhere finds the same inputs, regenerating the
	// truncated one.
	chdir(t, outputDir)
	resumed, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.TrainFiles, resumed.TrainFiles)
	for _, file := range resumed.TrainFiles {
		assert.FileExists(t, file)
	}
}

func TestStore_MissingInput(t *testing.T) {
	store := newStore(t.TempDir())
	_, err := store.LoadOrCreate(context.Background(), ModeFresh, Request{})
	assert.ErrorIs(t, err, corpus.ErrMissingInput)
	assert.NoFileExists(t, store.Path())
}

func TestStore_EmptyCorpus(t *testing.T) {
	store := newStore(t.TempDir())
	_, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{CorpusDir: t.TempDir(), TargetBytes: 1000})
	assert.ErrorIs(t, err, corpus.ErrEmptyCorpus)
	assert.NoFileExists(t, store.Path())
}

func TestStore_HuggingFaceDataset(t *testing.T) {
	outputDir := t.TempDir()
	store := newStore(outputDir)
	m, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{TargetBytes: 5000,
			Dataset: &DatasetDescriptor{Name: "org/corpus"}})
	require.NoError(t, err)
	assert.Equal(t, DatasetHuggingFace, m.DatasetType)
	assert.Equal(t, &DatasetDescriptor{Name: "org/corpus",
		TextColumn: DefaultTextColumn}, m.Dataset())
	assert.Empty(t, m.TrainFiles)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}

func TestStore_InheritsMerges(t *testing.T) {
	corpusDir := writeCorpus(t, map[string]int{"a.txt": 10})
	outputDir := t.TempDir()
	mergesTxt := "#version: 0.2\na b\nab c\nx y\n"
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, MergesFile),
		[]byte(mergesTxt), 0644))

	store := newStore(outputDir)
	m, err := store.LoadOrCreate(context.Background(), ModeFresh,
		Request{CorpusDir: corpusDir})
	require.NoError(t, err)
	require.NotNil(t, m.NumInitialMerges)
	assert.Equal(t, 3, m.InitialMerges())

	copied, err := os.ReadFile(store.InitialMergesPath())
	require.NoError(t, err)
	assert.Equal(t, mergesTxt, string(copied))
}

func TestStore_ConcurrentCreate(t *testing.T) {
	corpusDir := writeCorpus(t, map[string]int{"a.txt": 400, "b.txt": 300,
		"c.txt": 250})
	outputDir := t.TempDir()

	const workers = 6
	manifests := make([]*Manifest, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			manifests[i], errs[i] = newStore(outputDir).LoadOrCreate(
				context.Background(), ModeFresh,
				Request{CorpusDir: corpusDir, TargetBytes: 700,
					Wraparound: true})
		}(i)
	}
	wg.Wait()

	onDisk, err := newStore(outputDir).Load(context.Background())
	require.NoError(t, err)
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, onDisk, manifests[i])
	}
}

func TestManifest_Validate(t *testing.T) {
	assert.ErrorIs(t, (&Manifest{DatasetType: DatasetFiles}).Validate(),
		ErrInvalidManifest)
	assert.ErrorIs(t, (&Manifest{DatasetType: DatasetHuggingFace}).Validate(),
		ErrInvalidManifest)
	assert.ErrorIs(t, (&Manifest{DatasetType: "s3",
		TrainFiles: []string{"x"}}).Validate(), ErrInvalidManifest)
	assert.NoError(t, (&Manifest{DatasetType: DatasetFiles,
		TrainFiles: []string{"x"}}).Validate())

	_, err := unmarshal([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

// chdir changes the working directory for the rest of the test and
// restores it on cleanup, like testing.T.Chdir in newer Go releases.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
