// Package autophone contains the shared data models used by the job store,
// the supervisor, the device workers, and the results submitter. These types
// mirror the data model described in the fleet-controller design documents.
package autophone

import "time"

// PhoneStatus is the device-facing status a worker reports for its phone.
type PhoneStatus string

const (
	PhoneStatusIdle         PhoneStatus = "IDLE"
	PhoneStatusFetching     PhoneStatus = "FETCHING"
	PhoneStatusInstalling   PhoneStatus = "INSTALLING"
	PhoneStatusCharging     PhoneStatus = "CHARGING"
	PhoneStatusWorking      PhoneStatus = "WORKING"
	PhoneStatusDisconnected PhoneStatus = "DISCONNECTED"
	PhoneStatusError        PhoneStatus = "ERROR"
	PhoneStatusDisabled     PhoneStatus = "DISABLED"
	PhoneStatusRebooting    PhoneStatus = "REBOOTING"
	PhoneStatusShutdown     PhoneStatus = "SHUTDOWN"
)

// Valid reports whether s is one of the known phone statuses.
func (s PhoneStatus) Valid() bool {
	switch s {
	case PhoneStatusIdle, PhoneStatusFetching, PhoneStatusInstalling, PhoneStatusCharging,
		PhoneStatusWorking, PhoneStatusDisconnected, PhoneStatusError, PhoneStatusDisabled,
		PhoneStatusRebooting, PhoneStatusShutdown:
		return true
	default:
		return false
	}
}

func (s PhoneStatus) String() string { return string(s) }

// ProcessState is the lifecycle state of the supervisor or of a worker process.
type ProcessState string

const (
	ProcessStarting      ProcessState = "STARTING"
	ProcessRunning       ProcessState = "RUNNING"
	ProcessRestarting    ProcessState = "RESTARTING"
	ProcessShuttingDown  ProcessState = "SHUTTINGDOWN"
	ProcessShutdown      ProcessState = "SHUTDOWN"
	ProcessStopping      ProcessState = "STOPPING"
)

func (s ProcessState) Valid() bool {
	switch s {
	case ProcessStarting, ProcessRunning, ProcessRestarting, ProcessShuttingDown, ProcessShutdown, ProcessStopping:
		return true
	default:
		return false
	}
}

func (s ProcessState) String() string { return string(s) }

// ResultStatus is the outcome of a single test item's run.
type ResultStatus string

const (
	ResultPending    ResultStatus = "pending"
	ResultRunning    ResultStatus = "running"
	ResultCompleted  ResultStatus = "completed"
	ResultSuccess    ResultStatus = "success"
	ResultTestFailed ResultStatus = "testfailed"
	ResultBusted     ResultStatus = "busted"
	ResultException  ResultStatus = "exception"
	ResultUserCancel ResultStatus = "usercancel"
	ResultRetry      ResultStatus = "retry"
)

func (s ResultStatus) String() string { return string(s) }

// EventLevel is an info/warn/error severity level. No event-log type in
// this repository records events with it.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

func (l EventLevel) String() string { return string(l) }

// MaxAttempts is the attempt budget after which a job is purged on the next claim.
const MaxAttempts = 3

// Device is the immutable identity of a phone attached to the fleet. A
// change to any field is modeled as a re-registration (a new Device value),
// never a mutation of a live one.
type Device struct {
	ID         string
	Serial     string
	Hardware   string
	OSVersion  string
	ABI        string
	SDKBucket  string
	HostIP     string
	TestRoot   string // optional per-device override of the default test root
}

// TestSpec is a single test definition read from the test manifest. It is
// pure data: the worker turns a TestSpec plus a Job into a runnable TestItem.
type TestSpec struct {
	Name         string
	ConfigFile   string
	Chunk        int
	TotalChunks  int
	// Devices, when non-empty, restricts this test to the listed device IDs.
	Devices []string
	// DeviceRepos maps a device ID to the list of repos this test may run
	// for on that device. A device absent from the map (when Devices is
	// non-empty and the map is non-empty) has no repo restriction recorded
	// and is covered purely by Devices membership.
	DeviceRepos map[string][]string
}

// RunnableOn reports whether this test is runnable on device id for a build
// from repo, per spec: D must be in Devices (or Devices empty), and repo
// must be in the device's repo list (or that list is empty).
func (t TestSpec) RunnableOn(deviceID, repo string) bool {
	if len(t.Devices) > 0 {
		found := false
		for _, d := range t.Devices {
			if d == deviceID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	repos, ok := t.DeviceRepos[deviceID]
	if !ok || len(repos) == 0 {
		return true
	}
	for _, r := range repos {
		if r == repo {
			return true
		}
	}
	return false
}

// BuildEvent is the normalized record produced by the pulse consumer from a
// raw build-finished message.
type BuildEvent struct {
	Repo        string
	Platform    string
	BuildType   string // "opt" | "debug"
	BuildID     string // 14-digit UTC stamp
	PackageURL  string
	Comments    string
	SymbolsURL  string
	TestsURL    string
	AppName     string
}

// JobActionKind distinguishes the two job-action events the bus can deliver.
type JobActionKind string

const (
	JobActionCancel    JobActionKind = "cancel"
	JobActionRetrigger JobActionKind = "retrigger"
)

// JobActionEvent is a normalized operator action delivered over the bus.
type JobActionEvent struct {
	Kind       JobActionKind
	TestGUID   string // for cancel
	Machine    string // owning device: routes a cancel, targets a retrigger
	ConfigFile string // for retrigger
	Chunk      int    // for retrigger
}

// Job is a unit of work claimed and executed by exactly one device.
type Job struct {
	ID              int64
	CreatedAt       time.Time
	LastAttemptAt   *time.Time
	BuildURL        string
	BuildID         string
	Changeset       string
	Tree            string
	Revision        string
	RevisionHash    string
	EnableUnittests bool
	Attempts        int
	DeviceID        string
}

// TestItem is a child of a Job: one manifest test, chunked, with a unique
// correlation GUID minted at enqueue time.
type TestItem struct {
	ID         int64
	Name       string
	ConfigFile string
	Chunk      int
	GUID       string
	Repos      []string
	JobID      int64
}

// ResultsSubmission is a queued (machine, project) payload bound for the
// results service, delivered FIFO within its (machine, project) pair.
type ResultsSubmission struct {
	ID            int64
	Attempts      int
	LastAttemptAt *time.Time
	Machine       string
	Project       string
	Payload       []byte // opaque JSON collection; see internal/submitter
}
