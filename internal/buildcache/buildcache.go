// Package buildcache implements the one piece of the artifact/symbols
// build cache this repository actually needs: a worker.BuildFetcher that
// resolves a job's BuildURL to a local file. The cache itself (content
// addressing, symbol resolution, eviction) is explicitly out of scope per
// spec.md §1 ("the artifact/symbols build cache" is a described-contract
// external collaborator); this package is the minimal stand-in the worker
// needs to have something to push to the device.
package buildcache

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mozilla/autophone/pkg/autophone"
)

// Config points the fetcher at a local cache directory and, optionally, an
// override directory consulted before any download is attempted (spec.md
// §6's cache-dir / override-build-dir options).
type Config struct {
	CacheDir         string
	OverrideBuildDir string
}

// Fetcher implements internal/worker.BuildFetcher.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New constructs a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg, client: &http.Client{}}
}

// FetchBuild returns a local path for job.BuildURL: the override directory
// if it already holds a same-named file, else the cache directory, fetching
// over HTTP into it if not already present.
func (f *Fetcher) FetchBuild(ctx context.Context, job *autophone.Job) (string, error) {
	name := filepath.Base(job.BuildURL)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("build url %q has no usable filename", job.BuildURL)
	}

	if f.cfg.OverrideBuildDir != "" {
		overridden := filepath.Join(f.cfg.OverrideBuildDir, name)
		if _, err := os.Stat(overridden); err == nil {
			return overridden, nil
		}
	}

	cached := filepath.Join(f.cfg.CacheDir, name)
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}

	if err := os.MkdirAll(f.cfg.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create build cache dir %s: %w", f.cfg.CacheDir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.BuildURL, nil)
	if err != nil {
		return "", fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch build %s: %w", job.BuildURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch build %s: status %s", job.BuildURL, resp.Status)
	}

	tmp := cached + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create cache file %s: %w", tmp, err)
	}
	if _, err := out.ReadFrom(resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write cache file %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close cache file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, cached); err != nil {
		return "", fmt.Errorf("finalize cache file %s: %w", cached, err)
	}
	return cached, nil
}
