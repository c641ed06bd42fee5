// Package manifest reads the two INI-format configuration files the
// supervisor depends on: devices.ini (the fleet roster) and the test
// manifest (which test classes run on which devices for which repos).
//
// Grounded on original_source/autophone.py's read_devices/read_tests: both
// are ConfigParser-style files (one section per device, one section per
// test class) with the same "any option not on a known allow-list names a
// device, and its value is a space-separated repo list" convention. Parsed
// here with gopkg.in/ini.v1 rather than hand-rolled scanning, the same
// library several of the larger repos in the example pack (juju,
// kubernetes-sigs/prow) pull in for their own INI-format config files.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/mozilla/autophone/pkg/autophone"
)

// LoadDevices reads a devices.ini file into a Device per section. Section
// name is the device id; serialno is required, test_root optional
// (defaulting to defaultTestRoot when absent).
func LoadDevices(path, defaultTestRoot string) ([]autophone.Device, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load devices config %s: %w", path, err)
	}

	var devices []autophone.Device
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		if !sec.HasKey("serialno") {
			return nil, fmt.Errorf("device %s: missing required serialno", sec.Name())
		}
		testRoot := defaultTestRoot
		if sec.HasKey("test_root") {
			testRoot = sec.Key("test_root").String()
		}
		devices = append(devices, autophone.Device{
			ID:       sec.Name(),
			Serial:   sec.Key("serialno").String(),
			HostIP:   sec.Key("host_ip").String(),
			TestRoot: testRoot,
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// LoadDevice reads path and returns only the device named id. The
// autophone-add-device console verb does not call it; that verb builds the
// Device from its name and serial arguments.
func LoadDevice(path, id, defaultTestRoot string) (autophone.Device, error) {
	devices, err := LoadDevices(path, defaultTestRoot)
	if err != nil {
		return autophone.Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return autophone.Device{}, fmt.Errorf("device %s not found in %s", id, path)
}

// knownKeys are the test-manifest keys that are never a device id.
var knownKeys = map[string]bool{
	"config": true, "chunk": true, "total_chunks": true,
}

// TestManifest is the parsed set of test specs read from a manifest file.
type TestManifest struct {
	specs []autophone.TestSpec
}

// Tests implements internal/supervisor.Manifest.
func (m *TestManifest) Tests() []autophone.TestSpec { return m.specs }

// LoadTests reads a test manifest file: one section per test class, a
// "config" key listing space-separated config files (one TestSpec per
// config file), optional "chunk"/"total_chunks" integers applying to the
// whole section, and any other key naming a device id whose value is a
// space-separated repo list restricting that test to those devices/repos.
func LoadTests(path string) (*TestManifest, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load test manifest %s: %w", path, err)
	}

	var specs []autophone.TestSpec
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		name := strings.Fields(sec.Name())[0]
		name = strings.TrimSuffix(name, ".py")

		chunk := sec.Key("chunk").MustInt(1)
		totalChunks := sec.Key("total_chunks").MustInt(1)

		var devices []string
		deviceRepos := map[string][]string{}
		for _, key := range sec.Keys() {
			if knownKeys[key.Name()] {
				continue
			}
			devices = append(devices, key.Name())
			deviceRepos[key.Name()] = strings.Fields(key.Value())
		}
		sort.Strings(devices)

		configs := strings.Fields(sec.Key("config").String())
		if len(configs) == 0 {
			configs = []string{""}
		}
		for _, configFile := range configs {
			specs = append(specs, autophone.TestSpec{
				Name:        name,
				ConfigFile:  configFile,
				Chunk:       chunk,
				TotalChunks: totalChunks,
				Devices:     devices,
				DeviceRepos: deviceRepos,
			})
		}
	}
	return &TestManifest{specs: specs}, nil
}
