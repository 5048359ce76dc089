package resources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"

	"github.com/edsrzf/mmap-go"
)

const HuggingFaceURL = "https://huggingface.co"

type ResourceEntry struct {
	file   interface{}
	mapped mmap.MMap
	Data   *[]byte
}

type Resources map[string]ResourceEntry

// NewEntry wraps in-memory bytes as a resource.
func NewEntry(data []byte) ResourceEntry {
	return ResourceEntry{Data: &data}
}

// Cleanup unmaps and closes every file-backed resource.
func (rsrcs *Resources) Cleanup() {
	for name, rsrc := range *rsrcs {
		if rsrc.mapped != nil {
			_ = rsrc.mapped.Unmap()
		}
		if file, ok := rsrc.file.(*os.File); ok {
			_ = file.Close()
		}
		delete(*rsrcs, name)
	}
}

// AddEntry
// Add a resource to the Resources map, opening it as a mmap.Map.
func (rsrcs *Resources) AddEntry(name string, file *os.File) error {
	stat, err := file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		// Zero-length files cannot be mapped.
		empty := make([]byte, 0)
		(*rsrcs)[name] = ResourceEntry{file: file, Data: &empty}
		return nil
	}
	fileMmap, mmapErr := readMmap(file)
	if mmapErr != nil {
		return fmt.Errorf("error trying to mmap file: %w", mmapErr)
	}
	data := []byte(fileMmap)
	(*rsrcs)[name] = ResourceEntry{file: file, mapped: fileMmap, Data: &data}
	return nil
}

// FetchHTTP
// Fetch a resource from a remote HTTP server with bearer token auth.
func FetchHTTP(ctx context.Context, client *http.Client, uri string,
	rsrc string, auth string) (io.ReadCloser, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet,
		uri+"/"+rsrc, nil)
	if reqErr != nil {
		return nil, reqErr
	}
	if auth != "" {
		req.Header.Add("Authorization", "Bearer "+auth)
	}
	resp, remoteErr := client.Do(req)
	if remoteErr != nil {
		return nil, remoteErr
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP status code %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// SizeHTTP
// Get the size of a resource from a remote HTTP server with bearer token auth.
func SizeHTTP(ctx context.Context, client *http.Client, uri string,
	rsrc string, auth string) (uint, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodHead,
		uri+"/"+rsrc, nil)
	if reqErr != nil {
		return 0, reqErr
	}
	if auth != "" {
		req.Header.Add("Authorization", "Bearer "+auth)
	}
	resp, remoteErr := client.Do(req)
	if remoteErr != nil {
		return 0, remoteErr
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP status code %d", resp.StatusCode)
	}
	size, _ := strconv.Atoi(resp.Header.Get("Content-Length"))
	return uint(size), nil
}

// huggingFaceURI maps a model id onto its `resolve/main` download root.
func huggingFaceURI(base string, id string) string {
	return base + "/" + id + "/resolve/main"
}

func isValidUrl(toTest string) bool {
	_, err := url.ParseRequestURI(toTest)
	if err != nil {
		return false
	}

	u, err := url.Parse(toTest)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	return true
}

// isLocal reports whether uri names something on the local filesystem.
func isLocal(uri string) bool {
	if isValidUrl(uri) {
		return false
	}
	_, err := os.Stat(path.Clean(uri))
	return err == nil
}
