package buildcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mozilla/autophone/pkg/autophone"
)

func TestFetchBuild_DownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("apk-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(Config{CacheDir: dir})
	job := &autophone.Job{BuildURL: srv.URL + "/fennec-opt.apk"}

	path, err := f.FetchBuild(context.Background(), job)
	if err != nil {
		t.Fatalf("FetchBuild: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if string(data) != "apk-bytes" {
		t.Fatalf("unexpected cached content: %q", data)
	}
}

func TestFetchBuild_PrefersOverrideDirWhenPresent(t *testing.T) {
	overrideDir := t.TempDir()
	overridden := filepath.Join(overrideDir, "fennec-opt.apk")
	if err := os.WriteFile(overridden, []byte("local-build"), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}

	f := New(Config{CacheDir: t.TempDir(), OverrideBuildDir: overrideDir})
	job := &autophone.Job{BuildURL: "https://example.invalid/fennec-opt.apk"}

	path, err := f.FetchBuild(context.Background(), job)
	if err != nil {
		t.Fatalf("FetchBuild: %v", err)
	}
	if path != overridden {
		t.Fatalf("expected override path %q, got %q", overridden, path)
	}
}

func TestFetchBuild_ReusesAlreadyCachedFile(t *testing.T) {
	dir := t.TempDir()
	cached := filepath.Join(dir, "fennec-opt.apk")
	if err := os.WriteFile(cached, []byte("already-cached"), 0o644); err != nil {
		t.Fatalf("seed cache file: %v", err)
	}

	f := New(Config{CacheDir: dir})
	job := &autophone.Job{BuildURL: "https://example.invalid/fennec-opt.apk"}

	path, err := f.FetchBuild(context.Background(), job)
	if err != nil {
		t.Fatalf("FetchBuild: %v", err)
	}
	if path != cached {
		t.Fatalf("expected cached path reused, got %q", path)
	}
}
