// Package network materialises the interaction networks handed to the
// algorithm tools.
//
// Each network is exported once from the knowledge graph into
// <source dir>/<key>.tsv as tab separated pairs of prefixed identifiers
// ("entrez.1234\tentrez.5678"). The Provider derives the per-tool variants
// (prefix stripped, edge list or SIF) on demand, keeps the most recently used
// ones on disk and rebuilds them when the source export changes.
package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// Format of a materialised network file.
type Format string

const (
	FormatEdgeList Format = "edge_list" // "a\tb"
	FormatSIF      Format = "sif"       // "a\txx\tb"
)

// Keys of the exported networks.
const (
	KeyGGIPPI            = "ggi_ppi"
	KeyPPI               = "ppi"
	KeyGGISharedDisorder = "ggi_shared_disorder"
)

// ErrUnknownNetwork is returned when no export exists for a key.
var ErrUnknownNetwork = errors.New("unknown network")

type entry struct {
	path    string
	modTime time.Time
}

// Provider builds and caches network files.
type Provider struct {
	sourceDir string
	cacheDir  string

	// mu guards files on disk: builders and evictions take it exclusively,
	// copies share it.
	mu    sync.RWMutex
	cache *lru.Cache
	group singleflight.Group
}

// NewProvider creates a Provider reading exports from sourceDir and writing
// derived files to cacheDir. size bounds how many derived files are kept.
func NewProvider(sourceDir, cacheDir string, size int) (*Provider, error) {
	if size <= 0 {
		size = 16
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create network cache dir: %w", err)
	}
	cache, err := lru.NewWithEvict(size, func(key, value interface{}) {
		e := value.(*entry)
		if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove evicted network file", "network", key, "path", e.path, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create network cache: %w", err)
	}
	return &Provider{sourceDir: sourceDir, cacheDir: cacheDir, cache: cache}, nil
}

// CopyTo writes the network key with prefix stripped from every identifier,
// in the given format, to dst.
func (p *Provider) CopyTo(ctx context.Context, key, prefix string, format Format, dst string) error {
	for attempt := 0; attempt < 2; attempt++ {
		path, err := p.materialise(ctx, key, prefix, format)
		if err != nil {
			return err
		}
		p.mu.RLock()
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			// evicted between build and copy
			p.mu.RUnlock()
			continue
		}
		err = copyFile(path, dst)
		p.mu.RUnlock()
		return err
	}
	return fmt.Errorf("network %s: derived file vanished twice", key)
}

func (p *Provider) materialise(ctx context.Context, key, prefix string, format Format) (string, error) {
	if format != FormatEdgeList && format != FormatSIF {
		return "", fmt.Errorf("invalid network format %q", format)
	}
	src := filepath.Join(p.sourceDir, key+".tsv")
	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrUnknownNetwork, key)
	}
	if err != nil {
		return "", fmt.Errorf("stat network %s: %w", key, err)
	}

	cacheKey := key + "|" + prefix + "|" + string(format)
	if v, ok := p.cache.Get(cacheKey); ok {
		if e := v.(*entry); e.modTime.Equal(info.ModTime()) {
			return e.path, nil
		}
	}

	ch := p.group.DoChan(cacheKey, func() (interface{}, error) {
		return p.build(cacheKey, src, info.ModTime(), prefix, format)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *Provider) build(cacheKey, src string, modTime time.Time, prefix string, format Format) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.cache.Peek(cacheKey); ok {
		e := v.(*entry)
		if e.modTime.Equal(modTime) {
			return e.path, nil
		}
		// source changed; the old file goes through the evict callback
		p.cache.Remove(cacheKey)
	}

	start := time.Now()
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open network export: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(p.cacheDir, ".network-*")
	if err != nil {
		return "", fmt.Errorf("create network file: %w", err)
	}
	edges, err := convert(in, tmp, prefix, format)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("convert network %s: %w", src, err)
	}

	ext := ".tsv"
	if format == FormatSIF {
		ext = ".sif"
	}
	name := strings.NewReplacer("|", "-", "/", "_", ".", "").Replace(cacheKey)
	dst := filepath.Join(p.cacheDir, fmt.Sprintf("%s-%d%s", name, modTime.UnixNano(), ext))
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("install network file: %w", err)
	}
	p.cache.Add(cacheKey, &entry{path: dst, modTime: modTime})

	slog.Info("network materialised",
		"network", cacheKey,
		"edges", edges,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return dst, nil
}

// convert rewrites an export into the requested format and returns the
// number of edges written.
func convert(r io.Reader, w io.Writer, prefix string, format Format) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	bw := bufio.NewWriter(w)
	n := 0
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return n, fmt.Errorf("line %d: expected 2 columns, got %d", n+1, len(fields))
		}
		a := fields[0]
		b := fields[1]
		if prefix != "" {
			a = strings.ReplaceAll(a, prefix, "")
			b = strings.ReplaceAll(b, prefix, "")
		}
		var err error
		if format == FormatSIF {
			_, err = fmt.Fprintf(bw, "%s\txx\t%s\n", a, b)
		} else {
			_, err = fmt.Fprintf(bw, "%s\t%s\n", a, b)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy network to %s: %w", dst, err)
	}
	return out.Close()
}
