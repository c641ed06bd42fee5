// Package pulse consumes Mozilla's Pulse (RabbitMQ) build-finished and
// job-action events, filters them down to the ones this fleet cares about,
// and normalizes the survivors into autophone.BuildEvent/JobActionEvent
// values for the supervisor to act on.
package pulse

import (
	"sort"
	"strings"

	"github.com/mozilla/autophone/pkg/autophone"
)

// TryOptInToken is the comment substring a try push must carry for its
// build to be admitted, mirroring the "please autophone" opt-in convention
// try pushes use to avoid running every try build on every device.
const TryOptInToken = "[autophone]"

// RawBuildMessage is the normalized shape of a Pulse build-finished message
// body, after JSON decoding, before admission filtering.
type RawBuildMessage struct {
	Tree        string `json:"tree"`
	Platform    string `json:"platform"`
	BuildType   string `json:"buildtype"`
	BuildID     string `json:"buildid"`
	PackageURL  string `json:"packageUrl"`
	Comments    string `json:"comments"`
	SymbolsURL  string `json:"symbolsUrl"`
	TestsURL    string `json:"testsUrl"`
	AppName     string `json:"appName"`
}

// RawJobActionMessage is the wire shape of an operator job-action message,
// before normalization into autophone.JobActionEvent. Job actions are never
// admission-filtered: an operator-issued cancel or retrigger always applies.
type RawJobActionMessage struct {
	Action     string `json:"action"` // "cancel" | "retrigger"
	TestGUID   string `json:"test_guid"`
	Machine    string `json:"machine"`
	ConfigFile string `json:"config_file"`
	Chunk      int    `json:"chunk"`
}

// NormalizeJobAction converts a raw job-action message into an
// autophone.JobActionEvent, reporting false for an unrecognized action.
func NormalizeJobAction(msg RawJobActionMessage) (autophone.JobActionEvent, bool) {
	switch msg.Action {
	case "cancel":
		return autophone.JobActionEvent{Kind: autophone.JobActionCancel, TestGUID: msg.TestGUID, Machine: msg.Machine}, true
	case "retrigger":
		return autophone.JobActionEvent{
			Kind:       autophone.JobActionRetrigger,
			Machine:    msg.Machine,
			ConfigFile: msg.ConfigFile,
			Chunk:      msg.Chunk,
		}, true
	default:
		return autophone.JobActionEvent{}, false
	}
}

// Filter decides whether a raw build message should be admitted, and
// normalizes the ones that are.
type Filter struct {
	repos      map[string]struct{}
	buildTypes map[string]struct{}
	// platforms holds accepted platform prefixes, sorted longest-first so
	// the first match found is the most specific one.
	platforms []string
}

// NewFilter builds a Filter from the configured allow-lists. platforms is a
// set of accepted prefixes (e.g. "android-api-16", "android-x86"); a raw
// message's Platform is admitted if it starts with any of them.
func NewFilter(repos, buildTypes, platforms []string) *Filter {
	f := &Filter{
		repos:      toSet(repos),
		buildTypes: toSet(buildTypes),
		platforms:  append([]string(nil), platforms...),
	}
	sort.Slice(f.platforms, func(i, j int) bool { return len(f.platforms[i]) > len(f.platforms[j]) })
	return f
}

func toSet(vals []string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

// MatchPlatform returns the longest configured platform prefix that raw is
// prefixed by, and whether any matched.
func (f *Filter) MatchPlatform(raw string) (string, bool) {
	for _, p := range f.platforms {
		if strings.HasPrefix(raw, p) {
			return p, true
		}
	}
	return "", false
}

// Normalize applies every admission rule (repo allow-list, build-type
// allow-list, longest-prefix platform match, try-build opt-in token) and
// returns the normalized BuildEvent plus whether it was admitted.
func (f *Filter) Normalize(msg RawBuildMessage) (autophone.BuildEvent, bool) {
	if len(f.repos) > 0 {
		if _, ok := f.repos[msg.Tree]; !ok {
			return autophone.BuildEvent{}, false
		}
	}
	if len(f.buildTypes) > 0 {
		if _, ok := f.buildTypes[msg.BuildType]; !ok {
			return autophone.BuildEvent{}, false
		}
	}
	if len(f.platforms) > 0 {
		if _, ok := f.MatchPlatform(msg.Platform); !ok {
			return autophone.BuildEvent{}, false
		}
	}
	if msg.Tree == "try" && !strings.Contains(msg.Comments, TryOptInToken) {
		return autophone.BuildEvent{}, false
	}
	return autophone.BuildEvent{
		Repo:       msg.Tree,
		Platform:   msg.Platform,
		BuildType:  msg.BuildType,
		BuildID:    msg.BuildID,
		PackageURL: msg.PackageURL,
		Comments:   msg.Comments,
		SymbolsURL: msg.SymbolsURL,
		TestsURL:   msg.TestsURL,
		AppName:    msg.AppName,
	}, true
}
