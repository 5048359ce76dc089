package corpus

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTruncatedPath(t *testing.T) {
	derived := TruncatedPath("/data/shard_00.txt", 300)
	assert.Equal(t, "/data/shard_00_truncated_300.txt", derived)

	source, requested, ok := ParseTruncatedPath(derived)
	require.True(t, ok)
	assert.Equal(t, "/data/shard_00.txt", source)
	assert.Equal(t, int64(300), requested)

	_, _, ok = ParseTruncatedPath("/data/shard_00.txt")
	assert.False(t, ok)
	_, _, ok = ParseTruncatedPath("/data/shard_truncated_x.txt")
	assert.False(t, ok)
}

func TestBoundary(t *testing.T) {
	data := []byte("aé€😀b")
	// a | é (2) | € (3) | 😀 (4) | b
	assert.Equal(t, int64(1), Boundary(data, 1))
	assert.Equal(t, int64(3), Boundary(data, 2))
	assert.Equal(t, int64(6), Boundary(data, 4))
	assert.Equal(t, int64(10), Boundary(data, 7))
	assert.Equal(t, int64(10), Boundary(data, 10))
	assert.Equal(t, int64(11), Boundary(data, 11))
}

func TestTruncator_Truncate(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "shard.txt")
	writeFile(t, source, "héllo wörld")

	truncator := NewTruncator()
	artifact, err := truncator.Truncate(context.Background(), source, 2)
	require.NoError(t, err)
	assert.Equal(t, source, artifact.SourcePath)
	assert.Equal(t, int64(2), artifact.RequestedSize)
	assert.Equal(t, int64(3), artifact.ActualSize)
	assert.Equal(t, TruncatedPath(source, 2), artifact.DerivedPath)

	content, err := os.ReadFile(artifact.DerivedPath)
	require.NoError(t, err)
	assert.Equal(t, "hé", string(content))

	state, err := truncator.State(source, 2)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, state)
	assert.NoFileExists(t, partialPath(artifact.DerivedPath))
}

func TestTruncator_InvalidRequest(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "shard.txt")
	writeFile(t, source, "0123456789")

	truncator := NewTruncator()
	for _, requested := range []int64{0, -1, 10, 11} {
		_, err := truncator.Truncate(context.Background(), source, requested)
		assert.ErrorIs(t, err, ErrInvalidRequest, "requested %d", requested)
	}
}

func TestTruncator_Idempotent(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "shard.txt")
	writeFile(t, source, "0123456789")

	truncator := NewTruncator()
	first, err := truncator.Truncate(context.Background(), source, 4)
	require.NoError(t, err)
	stat, err := os.Stat(first.DerivedPath)
	require.NoError(t, err)

	second, err := NewTruncator().Truncate(context.Background(), source, 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	restat, err := os.Stat(second.DerivedPath)
	require.NoError(t, err)
	assert.Equal(t, stat.ModTime(), restat.ModTime())
}

func TestTruncator_StateMachine(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "shard.txt")
	writeFile(t, source, "0123456789")
	derived := TruncatedPath(source, 4)
	truncator := NewTruncator()

	state, err := truncator.State(source, 4)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)

	// An abandoned partial write.
	writeFile(t, partialPath(derived), "01")
	state, err = truncator.State(source, 4)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, state)

	// A torn artifact is not mistaken for a complete one.
	writeFile(t, derived, "01")
	state, err = truncator.State(source, 4)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, state)

	artifact, err := truncator.Truncate(context.Background(), source, 4)
	require.NoError(t, err)
	content, err := os.ReadFile(artifact.DerivedPath)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(content))
	assert.NoFileExists(t, partialPath(derived))
	assert.Equal(t, "complete", StateComplete.String())
}

func TestTruncator_Contention(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "shard.txt")
	writeFile(t, source, "0123456789")

	held := flock.New(lockPath(TruncatedPath(source, 4)))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	truncator := NewTruncator(WithLockTimeout(50*time.Millisecond),
		WithRetryDelay(10*time.Millisecond))
	_, err = truncator.Truncate(context.Background(), source, 4)
	assert.ErrorIs(t, err, ErrResourceContention)

	require.NoError(t, held.Unlock())
	artifact, err := truncator.Truncate(context.Background(), source, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), artifact.ActualSize)
}

func TestTruncator_Concurrent(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "shard.txt")
	text := ""
	for i := 0; i < 1000; i++ {
		text += "日本語テキスト "
	}
	writeFile(t, source, text)

	const workers = 8
	artifacts := make([]*TruncatedArtifact, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate truncators behave like separate processes.
			artifacts[i], errs[i] = NewTruncator().Truncate(
				context.Background(), source, 5000)
		}(i)
	}
	wg.Wait()
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, artifacts[0], artifacts[i])
	}
	content, err := os.ReadFile(artifacts[0].DerivedPath)
	require.NoError(t, err)
	assert.Equal(t, artifacts[0].ActualSize, int64(len(content)))
	assert.True(t, utf8.Valid(content))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{"shard.txt", "shard_truncated_5000.txt",
		"shard_truncated_5000.txt.lock"}, names)
}

const (
	helperSourceEnv = "SUPERBPE_TRUNCATE_SOURCE"
	helperBytesEnv  = "SUPERBPE_TRUNCATE_BYTES"
)

// TestTruncatorHelperProcess is run in child processes by
// TestTruncator_MultiProcess.
func TestTruncatorHelperProcess(t *testing.T) {
	source := os.Getenv(helperSourceEnv)
	if source == "" {
		return
	}
	requested, err := strconv.ParseInt(os.Getenv(helperBytesEnv), 10, 64)
	require.NoError(t, err)
	artifact, err := NewTruncator().Truncate(context.Background(), source,
		requested)
	require.NoError(t, err)
	fmt.Printf("%s %d\n", artifact.DerivedPath, artifact.ActualSize)
}

func TestTruncator_MultiProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	dir := t.TempDir()
	source := filepath.Join(dir, "shard.txt")
	writeFile(t, source, strings.Repeat("日本語テキスト ", 20000))

	const processes = 4
	outputs := make([][]byte, processes)
	errs := make([]error, processes)
	var wg sync.WaitGroup
	for i := 0; i < processes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := exec.Command(os.Args[0],
				"-test.run=^TestTruncatorHelperProcess$")
			cmd.Env = append(os.Environ(),
				helperSourceEnv+"="+source,
				helperBytesEnv+"=100000")
			outputs[i], errs[i] = cmd.Output()
		}(i)
	}
	wg.Wait()

	var want string
	for i := 0; i < processes; i++ {
		require.NoError(t, errs[i], string(outputs[i]))
		line, _, _ := strings.Cut(string(outputs[i]), "\n")
		if i == 0 {
			want = line
		}
		assert.Equal(t, want, line)
	}
	derived := TruncatedPath(source, 100000)
	sizeText, ok := strings.CutPrefix(want, derived+" ")
	require.True(t, ok, want)
	size, err := strconv.ParseInt(sizeText, 10, 64)
	require.NoError(t, err)
	content, err := os.ReadFile(derived)
	require.NoError(t, err)
	assert.Equal(t, size, int64(len(content)))
	assert.True(t, utf8.Valid(content))
	assert.NoFileExists(t, partialPath(derived))
}

func TestProperty_Truncate_ValidPrefix(t *testing.T) {
	dir := t.TempDir()
	truncator := NewTruncator()
	iteration := 0
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.StringN(2, 200, -1).Draw(rt, "text")
		if len(text) < 2 {
			rt.Skip("need at least two bytes")
		}
		requested := rapid.Int64Range(1, int64(len(text))-1).Draw(rt,
			"requested")
		iteration++
		source := filepath.Join(dir, fmt.Sprintf("source_%d.txt", iteration))
		writeFile(rt, source, text)

		artifact, err := truncator.Truncate(context.Background(), source,
			requested)
		require.NoError(rt, err)
		assert.GreaterOrEqual(rt, artifact.ActualSize, requested)
		assert.LessOrEqual(rt, artifact.ActualSize,
			requested+MaxBoundarySlack)
		content, err := os.ReadFile(artifact.DerivedPath)
		require.NoError(rt, err)
		assert.Equal(rt, text[:artifact.ActualSize], string(content))
		assert.True(rt, utf8.Valid(content))

		again, err := truncator.Truncate(context.Background(), source,
			requested)
		require.NoError(rt, err)
		assert.Equal(rt, artifact, again)
	})
}
