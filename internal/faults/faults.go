// Package faults names the error taxonomy used across the fleet controller.
// Each fault type wraps an underlying cause and is distinguished with
// errors.As so that callers can decide recovery policy without string
// matching.
package faults

import "fmt"

// TransientDeviceFault is a timeout or shell error from the device
// controller. Recovered by retry and, on exhaustion, a device transition to
// ERROR.
type TransientDeviceFault struct {
	Op  string
	Err error
}

func (f *TransientDeviceFault) Error() string {
	return fmt.Sprintf("transient device fault during %s: %v", f.Op, f.Err)
}

func (f *TransientDeviceFault) Unwrap() error { return f.Err }

// DisconnectedDevice means the device controller reports the device is not
// present. Only recoverable by host reboot (if configured) or an operator.
type DisconnectedDevice struct {
	DeviceID string
	Err      error
}

func (f *DisconnectedDevice) Error() string {
	return fmt.Sprintf("device %s disconnected: %v", f.DeviceID, f.Err)
}

func (f *DisconnectedDevice) Unwrap() error { return f.Err }

// PermanentDeviceFault is raised when the crash budget is exceeded; the
// device transitions to DISABLED and is not restarted.
type PermanentDeviceFault struct {
	DeviceID string
	Reason   string
}

func (f *PermanentDeviceFault) Error() string {
	return fmt.Sprintf("device %s permanently faulted: %s", f.DeviceID, f.Reason)
}

// JobFault means a test step raised. The test's result becomes EXCEPTION and
// the job continues with subsequent tests.
type JobFault struct {
	TestGUID string
	Err      error
}

func (f *JobFault) Error() string {
	return fmt.Sprintf("job fault on test %s: %v", f.TestGUID, f.Err)
}

func (f *JobFault) Unwrap() error { return f.Err }

// InterruptFault is an operator command or shutdown interrupting a running
// job. The test result becomes RETRY or USERCANCEL and attempts are restored.
type InterruptFault struct {
	Reason string
}

func (f *InterruptFault) Error() string {
	return fmt.Sprintf("interrupted: %s", f.Reason)
}

// StorageFault is a transient persistence error, retried with a fixed delay.
type StorageFault struct {
	Op  string
	Err error
}

func (f *StorageFault) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", f.Op, f.Err)
}

func (f *StorageFault) Unwrap() error { return f.Err }

// SubmissionFault is a failed POST to the results service. Bounded retry,
// never silently dropped.
type SubmissionFault struct {
	SubmissionID int64
	Err          error
}

func (f *SubmissionFault) Error() string {
	return fmt.Sprintf("submission %d failed: %v", f.SubmissionID, f.Err)
}

func (f *SubmissionFault) Unwrap() error { return f.Err }

// ConfigFault is an inconsistent startup configuration; fatal at startup.
type ConfigFault struct {
	Field  string
	Reason string
}

func (f *ConfigFault) Error() string {
	return fmt.Sprintf("config error: %s: %s", f.Field, f.Reason)
}
