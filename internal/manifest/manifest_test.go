package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadDevices_ReadsSerialAndOptionalTestRoot(t *testing.T) {
	path := writeTemp(t, "devices.ini", `
[nexus-1]
serialno = 0123456789ABCDEF

[nexus-2]
serialno = FEDCBA9876543210
test_root = /data/custom/tests
`)

	devices, err := LoadDevices(path, "/data/autophone/tests")
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].ID != "nexus-1" || devices[0].Serial != "0123456789ABCDEF" {
		t.Fatalf("unexpected first device: %+v", devices[0])
	}
	if devices[0].TestRoot != "/data/autophone/tests" {
		t.Fatalf("expected default test root, got %q", devices[0].TestRoot)
	}
	if devices[1].TestRoot != "/data/custom/tests" {
		t.Fatalf("expected device-specific test root, got %q", devices[1].TestRoot)
	}
}

func TestLoadDevices_MissingSerialIsError(t *testing.T) {
	path := writeTemp(t, "devices.ini", "[nexus-1]\ntest_root = /x\n")
	if _, err := LoadDevices(path, "/default"); err == nil {
		t.Fatal("expected missing serialno to error")
	}
}

func TestLoadDevice_ReturnsOnlyRequestedDevice(t *testing.T) {
	path := writeTemp(t, "devices.ini", "[nexus-1]\nserialno = AAA\n\n[nexus-2]\nserialno = BBB\n")
	d, err := LoadDevice(path, "nexus-2", "/default")
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if d.Serial != "BBB" {
		t.Fatalf("expected nexus-2's serial, got %+v", d)
	}
	if _, err := LoadDevice(path, "nexus-3", "/default"); err == nil {
		t.Fatal("expected unknown device to error")
	}
}

func TestLoadTests_ParsesConfigDevicesAndChunk(t *testing.T) {
	path := writeTemp(t, "manifest.ini", `
[webapprt.py]
config = webapprt-chrome.ini webapprt-content.ini
chunk = 2
total_chunks = 4
nexus-1 = mozilla-central try
nexus-2 = mozilla-central
`)

	m, err := LoadTests(path)
	if err != nil {
		t.Fatalf("LoadTests: %v", err)
	}
	specs := m.Tests()
	if len(specs) != 2 {
		t.Fatalf("expected one spec per config file, got %d", len(specs))
	}
	for _, s := range specs {
		if s.Name != "webapprt" {
			t.Fatalf("expected .py suffix stripped, got %q", s.Name)
		}
		if s.Chunk != 2 || s.TotalChunks != 4 {
			t.Fatalf("expected chunk 2/4, got %d/%d", s.Chunk, s.TotalChunks)
		}
		if !s.RunnableOn("nexus-1", "try") {
			t.Fatalf("expected nexus-1/try runnable: %+v", s)
		}
		if s.RunnableOn("nexus-2", "try") {
			t.Fatalf("expected nexus-2/try NOT runnable (repo restricted to mozilla-central): %+v", s)
		}
		if s.RunnableOn("nexus-3", "mozilla-central") {
			t.Fatalf("expected nexus-3 NOT runnable (not listed): %+v", s)
		}
	}
}

func TestLoadTests_NoDeviceRestrictionMeansRunnableEverywhere(t *testing.T) {
	path := writeTemp(t, "manifest.ini", "[smoketest.py]\nconfig = smoketest.ini\n")
	m, err := LoadTests(path)
	if err != nil {
		t.Fatalf("LoadTests: %v", err)
	}
	specs := m.Tests()
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if !specs[0].RunnableOn("any-device", "any-repo") {
		t.Fatalf("expected unrestricted test runnable anywhere: %+v", specs[0])
	}
	if specs[0].Chunk != 1 || specs[0].TotalChunks != 1 {
		t.Fatalf("expected chunk/total_chunks defaults of 1, got %d/%d", specs[0].Chunk, specs[0].TotalChunks)
	}
}
