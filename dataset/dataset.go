// Package dataset streams text records of a Hugging Face dataset through the
// datasets-server rows API, bounded by a byte budget.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL  = "https://datasets-server.huggingface.co"
	DefaultConfig   = "default"
	DefaultSplit    = "train"
	DefaultPageSize = 100
	progressPeriod  = 10 * time.Second
)

var ErrColumnNotFound = errors.New("text column not found")

type rowsResponse struct {
	Rows []struct {
		RowIdx int                        `json:"row_idx"`
		Row    map[string]json.RawMessage `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

// Stream is a lazy, finite sequence of text records.
type Stream struct {
	name       string
	textColumn string
	budget     int64

	baseURL  string
	config   string
	split    string
	pageSize int
	token    string
	client   *http.Client
	logger   *zap.Logger

	page      []string
	offset    int
	exhausted bool
	yielded   int64
	lastLog   time.Time
}

type Option func(*Stream)

func WithBaseURL(baseURL string) Option {
	return func(s *Stream) {
		s.baseURL = baseURL
	}
}

func WithConfig(config string) Option {
	return func(s *Stream) {
		s.config = config
	}
}

func WithSplit(split string) Option {
	return func(s *Stream) {
		s.split = split
	}
}

func WithPageSize(pageSize int) Option {
	return func(s *Stream) {
		s.pageSize = pageSize
	}
}

// WithToken sets the bearer token for gated or private datasets.
func WithToken(token string) Option {
	return func(s *Stream) {
		s.token = token
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Stream) {
		s.client = client
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Stream) {
		s.logger = logger
	}
}

// Open prepares a stream over the textColumn of dataset name. Nothing is
// fetched until the first Next. A budget <= 0 streams the whole split.
func Open(name string, textColumn string, budget int64,
	opts ...Option) *Stream {
	s := &Stream{
		name:       name,
		textColumn: textColumn,
		budget:     budget,
		baseURL:    DefaultBaseURL,
		config:     DefaultConfig,
		split:      DefaultSplit,
		pageSize:   DefaultPageSize,
		client:     http.DefaultClient,
		logger:     zap.NewNop(),
		lastLog:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BytesYielded returns the number of text bytes returned so far.
func (s *Stream) BytesYielded() int64 {
	return s.yielded
}

// Next returns the next record, or io.EOF once the split or the budget is
// exhausted. The record that reaches the budget is cut at a character
// boundary, so the stream never yields more than the budget.
func (s *Stream) Next(ctx context.Context) (string, error) {
	if s.budget > 0 && s.yielded >= s.budget {
		return "", io.EOF
	}
	for len(s.page) == 0 {
		if s.exhausted {
			return "", io.EOF
		}
		if err := s.fetch(ctx); err != nil {
			return "", err
		}
	}
	text := s.page[0]
	s.page = s.page[1:]
	if s.budget > 0 && s.yielded+int64(len(text)) > s.budget {
		text = cutAtBoundary(text, int(s.budget-s.yielded))
		s.exhausted = true
		s.page = nil
	}
	s.yielded += int64(len(text))
	s.reportProgress()
	return text, nil
}

// cutAtBoundary returns the longest prefix of text no longer than n bytes
// that does not split a character.
func cutAtBoundary(text string, n int) string {
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func (s *Stream) reportProgress() {
	if time.Since(s.lastLog) < progressPeriod {
		return
	}
	s.lastLog = time.Now()
	fields := []zap.Field{
		zap.String("dataset", s.name),
		zap.String("bytes", humanize.Bytes(uint64(s.yielded))),
	}
	if s.budget > 0 {
		fields = append(fields,
			zap.String("budget", humanize.Bytes(uint64(s.budget))))
	}
	s.logger.Info("streaming dataset", fields...)
}

func (s *Stream) rowsURL() string {
	query := url.Values{}
	query.Set("dataset", s.name)
	query.Set("config", s.config)
	query.Set("split", s.split)
	query.Set("offset", strconv.Itoa(s.offset))
	query.Set("length", strconv.Itoa(s.pageSize))
	return s.baseURL + "/rows?" + query.Encode()
}

func (s *Stream) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.rowsURL(),
		nil)
	if err != nil {
		return err
	}
	if s.token != "" {
		req.Header.Add("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dataset %s: HTTP status code %d: %s", s.name,
			resp.StatusCode, body)
	}
	var rows rowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("dataset %s: cannot decode rows: %w", s.name, err)
	}

	page := make([]string, 0, len(rows.Rows))
	for _, row := range rows.Rows {
		raw, ok := row.Row[s.textColumn]
		if !ok {
			return fmt.Errorf("%w: %q in dataset %s, row %d",
				ErrColumnNotFound, s.textColumn, s.name, row.RowIdx)
		}
		var text *string
		if err := json.Unmarshal(raw, &text); err != nil || text == nil {
			// Null and non-string cells carry no text.
			continue
		}
		page = append(page, *text)
	}
	s.offset += len(rows.Rows)
	if len(rows.Rows) < s.pageSize ||
		(rows.NumRowsTotal > 0 && s.offset >= rows.NumRowsTotal) {
		s.exhausted = true
	}
	s.page = page
	return nil
}
