package dataset

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRowsServer serves texts through a fake rows endpoint and counts the
// requests it receives.
func newRowsServer(t *testing.T, token string, texts []interface{},
	requests *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			if r.URL.Path != "/rows" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			query := r.URL.Query()
			assert.Equal(t, "org/corpus", query.Get("dataset"))
			assert.Equal(t, DefaultSplit, query.Get("split"))
			offset, _ := strconv.Atoi(query.Get("offset"))
			length, _ := strconv.Atoi(query.Get("length"))
			rows := make([]map[string]interface{}, 0)
			for idx := offset; idx < offset+length && idx < len(texts); idx++ {
				rows = append(rows, map[string]interface{}{
					"row_idx": idx,
					"row":     map[string]interface{}{"content": texts[idx]},
				})
			}
			w.Header().Set("Content-Type", "application/json")
			assert.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
				"rows":           rows,
				"num_rows_total": len(texts),
			}))
		}))
	t.Cleanup(server.Close)
	return server
}

func drain(t *testing.T, stream *Stream) []string {
	t.Helper()
	var out []string
	for {
		text, err := stream.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, text)
	}
}

func TestStream_AllRows(t *testing.T) {
	var requests atomic.Int32
	texts := []interface{}{"one", "two", nil, "three", "four", "five"}
	server := newRowsServer(t, "tok", texts, &requests)
	stream := Open("org/corpus", "content", 0, WithBaseURL(server.URL),
		WithPageSize(2), WithToken("tok"))

	assert.Equal(t, []string{"one", "two", "three", "four", "five"},
		drain(t, stream))
	assert.Equal(t, int64(len("onetwothreefourfive")), stream.BytesYielded())
	assert.Equal(t, int32(3), requests.Load())
}

func TestStream_Budget(t *testing.T) {
	var requests atomic.Int32
	texts := []interface{}{"aaaa", "bbbb", "ccé", "dddd"}
	server := newRowsServer(t, "", texts, &requests)

	stream := Open("org/corpus", "content", 8, WithBaseURL(server.URL),
		WithPageSize(10))
	assert.Equal(t, []string{"aaaa", "bbbb"}, drain(t, stream))
	assert.Equal(t, int64(8), stream.BytesYielded())

	// "ccé" is four bytes; a budget ending inside "é" cuts before it.
	stream = Open("org/corpus", "content", 11, WithBaseURL(server.URL))
	assert.Equal(t, []string{"aaaa", "bbbb", "cc"}, drain(t, stream))
	assert.Equal(t, int64(10), stream.BytesYielded())
}

func TestStream_Unauthorized(t *testing.T) {
	var requests atomic.Int32
	server := newRowsServer(t, "tok", []interface{}{"x"}, &requests)
	stream := Open("org/corpus", "content", 0, WithBaseURL(server.URL))
	_, err := stream.Next(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"))
}

func TestStream_MissingColumn(t *testing.T) {
	var requests atomic.Int32
	server := newRowsServer(t, "", []interface{}{"x"}, &requests)
	stream := Open("org/corpus", "text", 0, WithBaseURL(server.URL))
	_, err := stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestStream_Lazy(t *testing.T) {
	var requests atomic.Int32
	server := newRowsServer(t, "", []interface{}{"x"}, &requests)
	Open("org/corpus", "content", 0, WithBaseURL(server.URL))
	assert.Equal(t, int32(0), requests.Load())
}

func TestCutAtBoundary(t *testing.T) {
	assert.Equal(t, "ab", cutAtBoundary("abé", 3))
	assert.Equal(t, "abé", cutAtBoundary("abéd", 4))
	assert.Equal(t, "", cutAtBoundary("é", 1))
}
