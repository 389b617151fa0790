// Package fetch retrieves guest binaries from memory, the local filesystem
// or HTTP.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/wippyai/wasm-bridge/errors"
)

// Source produces the bytes of a WebAssembly binary.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
}

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// ValidateHeader checks the magic number and version of a core module.
func ValidateHeader(bin []byte) error {
	if len(bin) < len(header) {
		return errors.InvalidData(errors.PhaseFetch, fmt.Sprintf("binary too short: %d bytes", len(bin)))
	}
	if !bytes.Equal(bin[:4], header[:4]) {
		return errors.InvalidData(errors.PhaseFetch, fmt.Sprintf("bad magic number % x", bin[:4]))
	}
	if !bytes.Equal(bin[4:8], header[4:]) {
		if bin[6] != 0 || bin[7] != 0 {
			return errors.Unsupported(errors.PhaseFetch, "component binaries")
		}
		return errors.Unsupported(errors.PhaseFetch, fmt.Sprintf("module version % x", bin[4:8]))
	}
	return nil
}

type bytesSource struct {
	name string
	data []byte
}

// Bytes serves an in-memory binary.
func Bytes(name string, data []byte) Source {
	if name == "" {
		name = "bytes"
	}
	return &bytesSource{name: name, data: data}
}

func (s *bytesSource) Name() string { return s.name }

func (s *bytesSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Fetch(s.name, err)
	}
	return s.data, nil
}

type fileSource struct {
	path string
}

// File reads a binary from the local filesystem.
func File(path string) Source {
	return &fileSource{path: path}
}

func (s *fileSource) Name() string { return s.path }

func (s *fileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Fetch(s.path, err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Fetch(s.path, err)
	}
	return data, nil
}

// Open picks a source for uri: http and https URLs are downloaded, file
// URIs and plain paths are read from disk.
func Open(uri string, opts HTTPOptions) (Source, error) {
	if uri == "" {
		return nil, errors.InvalidInput(errors.PhaseFetch, "empty module location")
	}
	if !strings.Contains(uri, "://") {
		return File(uri), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseFetch, errors.KindInvalidInput, err, "parse module location")
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTP(uri, opts), nil
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = "//" + u.Host + path
		}
		return File(path), nil
	}
	return nil, errors.Unsupported(errors.PhaseFetch, fmt.Sprintf("scheme %q", u.Scheme))
}
