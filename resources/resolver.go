package resources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

type ResourceFlag uint8

// Enumeration of resource flags that indicate what the resolver should do
// with the resource.
const (
	RESOURCE_OPTIONAL ResourceFlag = 1 << iota
	RESOURCE_ONEOF
)

var ErrNoTokenizer = errors.New(
	"no `tokenizer.json`, nor `vocab.json` with `merges.txt`")

// WriteCounter counts the number of bytes written to it, and every 10 seconds,
// it logs the number of bytes written so far.
type WriteCounter struct {
	Total    uint64
	Last     time.Time
	Reported bool
	Path     string
	Size     uint64
	Logger   *zap.Logger
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	n := len(p)
	wc.Total += uint64(n)
	if time.Since(wc.Last).Seconds() > 10 {
		wc.Reported = true
		wc.Last = time.Now()
		wc.Logger.Info("downloading",
			zap.String("path", wc.Path),
			zap.String("completed", humanize.Bytes(wc.Total)),
			zap.String("size", humanize.Bytes(wc.Size)))
	}
	return n, nil
}

type ResourceEntryDefs map[string]ResourceFlag

// GetResourceEntries
// Returns the files that make up a tokenizer. Either `tokenizer.json` or the
// `vocab.json` and `merges.txt` pair must be present.
func GetResourceEntries() ResourceEntryDefs {
	return ResourceEntryDefs{
		"tokenizer.json":          RESOURCE_ONEOF,
		"vocab.json":              RESOURCE_ONEOF,
		"merges.txt":              RESOURCE_ONEOF,
		"tokenizer_config.json":   RESOURCE_OPTIONAL,
		"special_tokens_map.json": RESOURCE_OPTIONAL,
	}
}

func (defs ResourceEntryDefs) sortedNames() []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTokenizer reports whether rsrcs holds enough to build an encoder.
func (rsrcs *Resources) HasTokenizer() bool {
	if _, ok := (*rsrcs)["tokenizer.json"]; ok {
		return true
	}
	_, vocabOk := (*rsrcs)["vocab.json"]
	_, mergesOk := (*rsrcs)["merges.txt"]
	return vocabOk && mergesOk
}

// Resolver locates tokenizer resources on disk, at a URL, or on
// huggingface.co, downloading remote ones into a cache directory.
type Resolver struct {
	Client         *http.Client
	Auth           string
	HuggingFaceURL string
	Logger         *zap.Logger
}

type Option func(*Resolver)

func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.Client = client
	}
}

// WithAuth sets the bearer token sent with remote requests.
func WithAuth(token string) Option {
	return func(r *Resolver) {
		r.Auth = token
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		r.Logger = logger
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		Client:         http.DefaultClient,
		HuggingFaceURL: HuggingFaceURL,
		Logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// remoteURI returns the base URI remote resources are fetched from.
func (r *Resolver) remoteURI(uri string) string {
	if isValidUrl(uri) {
		return uri
	}
	return huggingFaceURI(r.HuggingFaceURL, uri)
}

// ResolveTokenizer resolves location, which may be a local directory, a
// local `tokenizer.json`, a URL, or a huggingface.co model id. Remote
// resources are downloaded into cacheDir, or into a temporary directory
// when cacheDir is empty.
func (r *Resolver) ResolveTokenizer(ctx context.Context, location string,
	cacheDir string) (*Resources, error) {
	if isLocal(location) {
		return r.resolveLocal(location)
	}
	if cacheDir == "" {
		tmpDir, err := os.MkdirTemp("", "resources")
		if err != nil {
			return nil, err
		}
		cacheDir = tmpDir
	} else if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, err
	}
	return r.ResolveResources(ctx, r.remoteURI(location), cacheDir)
}

func (r *Resolver) resolveLocal(location string) (*Resources, error) {
	stat, err := os.Stat(location)
	if err != nil {
		return nil, err
	}
	foundResources := make(Resources)
	if !stat.IsDir() {
		file, err := os.Open(location)
		if err != nil {
			return nil, err
		}
		if err := foundResources.AddEntry("tokenizer.json",
			file); err != nil {
			file.Close()
			return nil, err
		}
		return &foundResources, nil
	}
	for _, name := range GetResourceEntries().sortedNames() {
		file, err := os.Open(filepath.Join(location, name))
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			foundResources.Cleanup()
			return nil, err
		}
		if err := foundResources.AddEntry(name, file); err != nil {
			file.Close()
			foundResources.Cleanup()
			return nil, err
		}
	}
	if !foundResources.HasTokenizer() {
		foundResources.Cleanup()
		return nil, fmt.Errorf("%s: %w", location, ErrNoTokenizer)
	}
	r.Logger.Debug("resolved local tokenizer",
		zap.String("location", location),
		zap.Int("resources", len(foundResources)))
	return &foundResources, nil
}

// ResolveResources resolves all resources at a given uri, and checks if they
// exist in the given directory. If they don't exist, they are downloaded.
func (r *Resolver) ResolveResources(ctx context.Context, uri string,
	dir string) (*Resources, error) {
	foundResources := make(Resources)
	rsrcDefs := GetResourceEntries()

	for _, file := range rsrcDefs.sortedNames() {
		flag := rsrcDefs[file]
		targetPath := path.Join(dir, file)
		rsrcSize, rsrcSizeErr := SizeHTTP(ctx, r.Client, uri, file, r.Auth)
		if rsrcSizeErr != nil {
			if ctx.Err() != nil {
				foundResources.Cleanup()
				return nil, ctx.Err()
			}
			// ONEOF groups are checked as a whole by HasTokenizer below.
			r.Logger.Debug("resource not there",
				zap.String("uri", uri), zap.String("file", file),
				zap.Bool("oneof", flag&RESOURCE_ONEOF != 0),
				zap.Error(rsrcSizeErr))
			continue
		}
		var rsrcFile *os.File
		if targetStat, targetStatErr := os.Stat(targetPath); targetStatErr == nil &&
			uint(targetStat.Size()) == rsrcSize {
			r.Logger.Debug("skipping resource, already exists and of "+
				"the correct size",
				zap.String("uri", uri), zap.String("file", file))
			openFile, skipFileErr := os.Open(targetPath)
			if skipFileErr != nil {
				foundResources.Cleanup()
				return nil, fmt.Errorf("error opening '%s': %w",
					file, skipFileErr)
			}
			rsrcFile = openFile
		} else {
			downloaded, err := r.download(ctx, uri, file, targetPath,
				rsrcSize)
			if err != nil {
				foundResources.Cleanup()
				return nil, err
			}
			rsrcFile = downloaded
		}
		if mmapErr := foundResources.AddEntry(file, rsrcFile); mmapErr != nil {
			rsrcFile.Close()
			foundResources.Cleanup()
			return nil, mmapErr
		}
	}
	if !foundResources.HasTokenizer() {
		foundResources.Cleanup()
		return nil, fmt.Errorf("%s: %w", uri, ErrNoTokenizer)
	}
	return &foundResources, nil
}

func (r *Resolver) download(ctx context.Context, uri string, file string,
	targetPath string, size uint) (*os.File, error) {
	rsrcReader, rsrcErr := FetchHTTP(ctx, r.Client, uri, file, r.Auth)
	if rsrcErr != nil {
		return nil, fmt.Errorf("cannot retrieve `%s` from `%s`: %w",
			file, uri, rsrcErr)
	}
	defer rsrcReader.Close()
	rsrcFile, rsrcFileErr := os.OpenFile(targetPath,
		os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0644)
	if rsrcFileErr != nil {
		return nil, fmt.Errorf("error opening '%s' for write: %w",
			file, rsrcFileErr)
	}
	counter := &WriteCounter{
		Last:   time.Now(),
		Path:   fmt.Sprintf("%s/%s", uri, file),
		Size:   uint64(size),
		Logger: r.Logger,
	}
	bytesDownloaded, ioErr := io.Copy(rsrcFile,
		io.TeeReader(rsrcReader, counter))
	if ioErr != nil {
		rsrcFile.Close()
		return nil, fmt.Errorf("error downloading '%s': %w", file, ioErr)
	}
	r.Logger.Info("downloaded",
		zap.String("path", counter.Path),
		zap.String("size", humanize.Bytes(uint64(bytesDownloaded))))
	return rsrcFile, nil
}

// ResolveTokenizer resolves location with a default Resolver.
func ResolveTokenizer(ctx context.Context, location string, cacheDir string,
	opts ...Option) (*Resources, error) {
	return NewResolver(opts...).ResolveTokenizer(ctx, location, cacheDir)
}
