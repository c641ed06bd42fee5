// Package devicecontrol defines the interface a device worker uses to drive
// a phone: shell access, the file operations needed to install and clean up
// builds, and the handful of health-probe primitives (IP address, battery,
// reboot) the worker's ping loop depends on.
//
// The real implementation (ADB/mozdevice-backed) is out of scope for this
// repository phase; devicecontrol/fake supplies an in-memory Controller used
// by every worker test, the same "interface now, real client later" split
// the fleet controller uses for its BMC client.
package devicecontrol

import "context"

// State is the raw connectivity state reported by a Controller, distinct
// from autophone.PhoneStatus which also captures job-execution state.
type State string

const (
	StateOK      State = "ok"
	StateOffline State = "offline"
	StateUnknown State = "unknown"
)

// Controller is the contract a device worker uses to drive one phone. Every
// method takes a context so a hung device doesn't hang its worker forever.
type Controller interface {
	// DeviceID is the stable identity of the phone this Controller drives.
	DeviceID() string

	// State reports the device's current connectivity state.
	State(ctx context.Context) (State, error)

	// Shell runs cmd and returns its combined stdout/stderr.
	Shell(ctx context.Context, cmd string, root bool) (string, error)

	// Exists reports whether path is present on the device.
	Exists(ctx context.Context, path string) (bool, error)
	// IsDir reports whether path is a directory on the device.
	IsDir(ctx context.Context, path string) (bool, error)
	// Chmod recursively marks path world-readable/executable.
	Chmod(ctx context.Context, path string, recursive, root bool) error
	// Rm removes path, optionally recursively; force suppresses
	// already-absent errors.
	Rm(ctx context.Context, path string, recursive, force, root bool) error
	// Mkdir creates path, creating parent directories as needed.
	Mkdir(ctx context.Context, path string, parents, root bool) error
	// Push copies the local file at localPath to remotePath on the device.
	Push(ctx context.Context, localPath, remotePath string) error
	// Pull copies remotePath on the device to the local file at localPath.
	Pull(ctx context.Context, remotePath, localPath string) error

	// InstallApp installs the APK at devicePath (previously Push'd there).
	InstallApp(ctx context.Context, devicePath string) error
	// UninstallApp removes the installed package appName.
	UninstallApp(ctx context.Context, appName string) error
	// IsAppInstalled reports whether appName is currently installed.
	IsAppInstalled(ctx context.Context, appName string) (bool, error)

	// GetProp returns the value of an Android system property.
	GetProp(ctx context.Context, name string) (string, error)
	// GetIPAddress returns the device's current IP address, or "" if none.
	GetIPAddress(ctx context.Context) (string, error)
	// GetBatteryPercentage returns the current battery level, 0-100.
	GetBatteryPercentage(ctx context.Context) (int, error)

	// Reboot reboots the device.
	Reboot(ctx context.Context) error
	// PowerOn brings a powered-off device back up (host-side power control).
	PowerOn(ctx context.Context) error

	// GetLogcat returns the device's current logcat buffer.
	GetLogcat(ctx context.Context) ([]string, error)
	// ProcessExist reports whether a process matching name is running.
	ProcessExist(ctx context.Context, name string) (bool, error)
	// Pkill kills every process matching name.
	Pkill(ctx context.Context, name string) error

	// Close releases any underlying connection (ADB transport, etc.).
	Close() error
}
