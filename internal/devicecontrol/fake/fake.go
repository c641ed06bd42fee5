// Package fake provides an in-memory devicecontrol.Controller, the same
// "interface now, real client later" stand-in the Provisioner Controller
// uses for Redfish (internal/provisioner/redfish.NoopClient) adapted here to
// hold actual mutable state (files, installed apps, battery level) so
// worker tests can drive realistic scenarios instead of only logging calls.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/mozilla/autophone/internal/devicecontrol"
)

// Controller is an in-memory devicecontrol.Controller for tests.
type Controller struct {
	mu sync.Mutex

	id    string
	state devicecontrol.State

	dirs  map[string]bool
	files map[string]bool

	installed map[string]bool

	props       map[string]string
	ipAddress   string
	battery     int
	logcat      []string
	processes   map[string]bool
	rebootCount int
	powerOnCount int
	closed      bool

	// ShellFunc, when set, is consulted before the default no-op shell
	// behavior so tests can script specific command responses or errors.
	ShellFunc func(cmd string, root bool) (string, error)
}

var _ devicecontrol.Controller = (*Controller)(nil)

// New constructs a fake Controller for deviceID, starting online with a
// full battery and no installed apps.
func New(deviceID string) *Controller {
	return &Controller{
		id:        deviceID,
		state:     devicecontrol.StateOK,
		dirs:      map[string]bool{},
		files:     map[string]bool{},
		installed: map[string]bool{},
		props:     map[string]string{},
		battery:   100,
		processes: map[string]bool{},
	}
}

func (c *Controller) DeviceID() string { return c.id }

// SetState overrides the state returned by State, for simulating a device
// going offline mid-test.
func (c *Controller) SetState(s devicecontrol.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) State(context.Context) (devicecontrol.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *Controller) Shell(ctx context.Context, cmd string, root bool) (string, error) {
	c.mu.Lock()
	fn := c.ShellFunc
	c.mu.Unlock()
	if fn != nil {
		return fn(cmd, root)
	}
	return "", nil
}

func (c *Controller) Exists(ctx context.Context, path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[path] || c.dirs[path], nil
}

func (c *Controller) IsDir(ctx context.Context, path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirs[path], nil
}

func (c *Controller) Chmod(ctx context.Context, path string, recursive, root bool) error {
	return nil
}

func (c *Controller) Rm(ctx context.Context, path string, recursive, force, root bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.files[path] && !c.dirs[path] && !force {
		return fmt.Errorf("devicecontrol/fake: %s does not exist", path)
	}
	delete(c.files, path)
	delete(c.dirs, path)
	if recursive {
		for p := range c.files {
			if isUnder(p, path) {
				delete(c.files, p)
			}
		}
		for p := range c.dirs {
			if isUnder(p, path) {
				delete(c.dirs, p)
			}
		}
	}
	return nil
}

func (c *Controller) Mkdir(ctx context.Context, path string, parents, root bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[path] = true
	return nil
}

func (c *Controller) Push(ctx context.Context, localPath, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[remotePath] = true
	return nil
}

func (c *Controller) Pull(ctx context.Context, remotePath, localPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.files[remotePath] {
		return fmt.Errorf("devicecontrol/fake: %s does not exist", remotePath)
	}
	return nil
}

func (c *Controller) InstallApp(ctx context.Context, devicePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed[devicePath] = true
	return nil
}

func (c *Controller) UninstallApp(ctx context.Context, appName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.installed, appName)
	return nil
}

// MarkInstalled records appName as installed, for tests that need
// IsAppInstalled/UninstallApp to see a pre-existing install.
func (c *Controller) MarkInstalled(appName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed[appName] = true
}

func (c *Controller) IsAppInstalled(ctx context.Context, appName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed[appName], nil
}

// SetProp sets the value GetProp will return for name.
func (c *Controller) SetProp(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[name] = value
}

func (c *Controller) GetProp(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props[name], nil
}

// SetIPAddress sets the value GetIPAddress will return.
func (c *Controller) SetIPAddress(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipAddress = ip
}

func (c *Controller) GetIPAddress(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipAddress, nil
}

// SetBatteryPercentage sets the value GetBatteryPercentage will return.
func (c *Controller) SetBatteryPercentage(pct int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.battery = pct
}

func (c *Controller) GetBatteryPercentage(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.battery, nil
}

// RebootCount returns how many times Reboot has been called.
func (c *Controller) RebootCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebootCount
}

func (c *Controller) Reboot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebootCount++
	return nil
}

// PowerOnCount returns how many times PowerOn has been called.
func (c *Controller) PowerOnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powerOnCount
}

func (c *Controller) PowerOn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powerOnCount++
	return nil
}

// SetLogcat sets the lines GetLogcat will return.
func (c *Controller) SetLogcat(lines []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logcat = lines
}

func (c *Controller) GetLogcat(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.logcat))
	copy(out, c.logcat)
	return out, nil
}

// SetProcessRunning marks name as a running (or not running) process.
func (c *Controller) SetProcessRunning(name string, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processes[name] = running
}

func (c *Controller) ProcessExist(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processes[name], nil
}

func (c *Controller) Pkill(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.processes, name)
	return nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func isUnder(path, dir string) bool {
	if len(path) <= len(dir) {
		return false
	}
	return path[:len(dir)] == dir && path[len(dir)] == '/'
}
