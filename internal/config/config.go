// Package config loads the supervisor's runtime configuration from
// environment variables with flag overrides, in the same style as the
// teacher's cmd/provisioner-controller/main.go parseConfig.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mozilla/autophone/internal/faults"
)

// Config holds every recognized autophone option (spec.md §6).
type Config struct {
	Port     int    // command console listen port
	LogFile  string // log file path; loaded but not written to: the loggers write to stderr, with no rotation
	LogLevel string
	TestPath string // manifest path
	EmailCfg string // mailer config path

	EnablePulse      bool
	PulseUser        string
	PulsePassword    string
	PulseDurableQueue bool
	PulseHost        string

	CacheDir        string
	OverrideBuildDir string
	BuildCachePort  int

	AllowDuplicateJobs bool
	Repos              []string
	BuildTypes         []string
	LIFO               bool

	DevicesCfg string

	TreeherderURL      string
	TreeherderClientID string
	TreeherderSecret   string
	TreeherderTier     string
	TreeherderRetryWait time.Duration

	S3UploadBucket  string
	AWSAccessKeyID  string
	AWSAccessKey    string

	RebootOnError     bool
	MaximumHeartbeat  time.Duration
	DeviceTestRoot    string

	DBPath string
}

// Default returns the baseline configuration before env/flag overrides.
func Default() Config {
	return Config{
		Port:                28001,
		LogFile:             "autophone.log",
		LogLevel:            "info",
		TestPath:            "tests/manifest.ini",
		CacheDir:            "builds",
		BuildCachePort:      28008,
		Repos:               []string{"mozilla-central", "mozilla-inbound", "try"},
		BuildTypes:          []string{"opt", "debug"},
		DevicesCfg:          "devices.ini",
		TreeherderRetryWait: 30 * time.Second,
		MaximumHeartbeat:    300 * time.Second,
		DeviceTestRoot:      "/data/autophone/tests",
		DBPath:              "jobs.sqlite",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds a Config from the environment, then from flag overrides
// registered on fs (flags take precedence, matching the teacher's
// parseConfig convention). Call fs.Parse(os.Args[1:]) after Load returns.
func Load(fs *flag.FlagSet) *Config {
	def := Default()
	cfg := &Config{
		Port:               getenvInt("PORT", def.Port),
		LogFile:            getenv("LOGFILE", def.LogFile),
		LogLevel:           getenv("LOGLEVEL", def.LogLevel),
		TestPath:           getenv("TEST_PATH", def.TestPath),
		EmailCfg:           getenv("EMAILCFG", def.EmailCfg),
		EnablePulse:        getenvBool("ENABLE_PULSE", false),
		PulseUser:          getenv("PULSE_USER", ""),
		PulsePassword:      getenv("PULSE_PASSWORD", ""),
		PulseDurableQueue:  getenvBool("PULSE_DURABLE_QUEUE", false),
		PulseHost:          getenv("PULSE_HOST", "pulse.mozilla.org"),
		CacheDir:           getenv("CACHE_DIR", def.CacheDir),
		OverrideBuildDir:   getenv("OVERRIDE_BUILD_DIR", ""),
		BuildCachePort:     getenvInt("BUILD_CACHE_PORT", def.BuildCachePort),
		AllowDuplicateJobs: getenvBool("ALLOW_DUPLICATE_JOBS", false),
		Repos:              getenvList("REPOS", def.Repos),
		BuildTypes:         getenvList("BUILDTYPES", def.BuildTypes),
		LIFO:               getenvBool("LIFO", false),
		DevicesCfg:         getenv("DEVICESCFG", def.DevicesCfg),
		TreeherderURL:      getenv("TREEHERDER_URL", ""),
		TreeherderClientID: getenv("TREEHERDER_CLIENT_ID", ""),
		TreeherderSecret:   getenv("TREEHERDER_SECRET", ""),
		TreeherderTier:     getenv("TREEHERDER_TIER", ""),
		TreeherderRetryWait: getenvDuration("TREEHERDER_RETRY_WAIT", def.TreeherderRetryWait),
		S3UploadBucket:     getenv("S3_UPLOAD_BUCKET", ""),
		AWSAccessKeyID:     getenv("AWS_ACCESS_KEY_ID", ""),
		AWSAccessKey:       getenv("AWS_ACCESS_KEY", ""),
		RebootOnError:      getenvBool("REBOOT_ON_ERROR", false),
		MaximumHeartbeat:   getenvDuration("MAXIMUM_HEARTBEAT", def.MaximumHeartbeat),
		DeviceTestRoot:     getenv("DEVICE_TEST_ROOT", def.DeviceTestRoot),
		DBPath:             getenv("DB_PATH", def.DBPath),
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "command console listen port (env PORT)")
	fs.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "log file path (env LOGFILE)")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "log level (env LOGLEVEL)")
	fs.StringVar(&cfg.TestPath, "test-path", cfg.TestPath, "test manifest path (env TEST_PATH)")
	fs.StringVar(&cfg.EmailCfg, "emailcfg", cfg.EmailCfg, "mailer config path (env EMAILCFG)")
	fs.BoolVar(&cfg.EnablePulse, "enable-pulse", cfg.EnablePulse, "enable pulse event-bus consumer (env ENABLE_PULSE)")
	fs.StringVar(&cfg.PulseUser, "pulse-user", cfg.PulseUser, "pulse username (env PULSE_USER)")
	fs.StringVar(&cfg.PulsePassword, "pulse-password", cfg.PulsePassword, "pulse password (env PULSE_PASSWORD)")
	fs.BoolVar(&cfg.PulseDurableQueue, "pulse-durable-queue", cfg.PulseDurableQueue, "use a durable pulse queue (env PULSE_DURABLE_QUEUE)")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "build cache directory (env CACHE_DIR)")
	fs.StringVar(&cfg.OverrideBuildDir, "override-build-dir", cfg.OverrideBuildDir, "override build directory (env OVERRIDE_BUILD_DIR)")
	fs.IntVar(&cfg.BuildCachePort, "build-cache-port", cfg.BuildCachePort, "build cache client port (env BUILD_CACHE_PORT)")
	fs.BoolVar(&cfg.AllowDuplicateJobs, "allow-duplicate-jobs", cfg.AllowDuplicateJobs, "allow duplicate jobs (env ALLOW_DUPLICATE_JOBS)")
	fs.BoolVar(&cfg.LIFO, "lifo", cfg.LIFO, "claim jobs LIFO instead of FIFO (env LIFO)")
	fs.StringVar(&cfg.DevicesCfg, "devicescfg", cfg.DevicesCfg, "devices.ini path (env DEVICESCFG)")
	fs.StringVar(&cfg.TreeherderURL, "treeherder-url", cfg.TreeherderURL, "treeherder base URL (env TREEHERDER_URL)")
	fs.StringVar(&cfg.TreeherderClientID, "treeherder-client-id", cfg.TreeherderClientID, "treeherder client id (env TREEHERDER_CLIENT_ID)")
	fs.StringVar(&cfg.TreeherderSecret, "treeherder-secret", cfg.TreeherderSecret, "treeherder secret (env TREEHERDER_SECRET)")
	fs.StringVar(&cfg.TreeherderTier, "treeherder-tier", cfg.TreeherderTier, "treeherder tier (env TREEHERDER_TIER)")
	fs.DurationVar(&cfg.TreeherderRetryWait, "treeherder-retry-wait", cfg.TreeherderRetryWait, "submitter retry wait (env TREEHERDER_RETRY_WAIT)")
	fs.StringVar(&cfg.S3UploadBucket, "s3-upload-bucket", cfg.S3UploadBucket, "S3 bucket for artifact uploads (env S3_UPLOAD_BUCKET)")
	fs.StringVar(&cfg.AWSAccessKeyID, "aws-access-key-id", cfg.AWSAccessKeyID, "AWS access key id (env AWS_ACCESS_KEY_ID)")
	fs.StringVar(&cfg.AWSAccessKey, "aws-access-key", cfg.AWSAccessKey, "AWS secret access key (env AWS_ACCESS_KEY)")
	fs.BoolVar(&cfg.RebootOnError, "reboot-on-error", cfg.RebootOnError, "reboot host on unrecoverable error (env REBOOT_ON_ERROR)")
	fs.DurationVar(&cfg.MaximumHeartbeat, "maximum-heartbeat", cfg.MaximumHeartbeat, "max seconds between worker heartbeats (env MAXIMUM_HEARTBEAT)")
	fs.StringVar(&cfg.DeviceTestRoot, "device-test-root", cfg.DeviceTestRoot, "default on-device test root (env DEVICE_TEST_ROOT)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "job store sqlite path (env DB_PATH)")

	return cfg
}

// Validate enforces the all-or-nothing consistency rules from spec.md §6:
// the three treeherder fields, and the three S3 fields, must be provided
// together or not at all.
func (c *Config) Validate() error {
	th := []string{c.TreeherderURL, c.TreeherderClientID, c.TreeherderSecret}
	if !allEmptyOrAllSet(th) {
		return &faults.ConfigFault{Field: "treeherder-url/client-id/secret", Reason: "must be provided together or not at all"}
	}
	s3 := []string{c.S3UploadBucket, c.AWSAccessKeyID, c.AWSAccessKey}
	if !allEmptyOrAllSet(s3) {
		return &faults.ConfigFault{Field: "s3-upload-bucket/aws-access-key-id/aws-access-key", Reason: "must be provided together or not at all"}
	}
	if c.EnablePulse && (c.PulseUser == "" || c.PulsePassword == "") {
		return &faults.ConfigFault{Field: "pulse-user/pulse-password", Reason: "required when enable-pulse is set"}
	}
	return nil
}

func allEmptyOrAllSet(vals []string) bool {
	empty, set := 0, 0
	for _, v := range vals {
		if v == "" {
			empty++
		} else {
			set++
		}
	}
	return empty == 0 || set == 0
}
