package versioning

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
)

// Build metadata, set with -ldflags "-X .../versioning.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// APIVersion is a semantic version of the status API.
type APIVersion struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
}

func (v APIVersion) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than other.
// A release sorts after any prerelease of the same version.
func (v APIVersion) Compare(other APIVersion) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	case v.Patch != other.Patch:
		return sign(v.Patch - other.Patch)
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	case v.Prerelease < other.Prerelease:
		return -1
	default:
		return 1
	}
}

// IsCompatible reports whether a server at v can answer a client built for
// target: same major, and v at least target.
func (v APIVersion) IsCompatible(target APIVersion) bool {
	return v.Major == target.Major && v.Compare(target) >= 0
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}

var (
	V1_0_0 = APIVersion{Major: 1}
	// V1_1_0 added /metrics/snapshot.
	V1_1_0 = APIVersion{Major: 1, Minor: 1}

	CurrentVersion          = V1_1_0
	MinimumSupportedVersion = V1_0_0
)

var semverPattern = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([0-9A-Za-z.-]+))?$`)

// ParseVersion accepts "1", "1.2", "1.2.3" and "1.2.3-rc.1", with an
// optional leading "v".
func ParseVersion(s string) (APIVersion, error) {
	m := semverPattern.FindStringSubmatch(s)
	if m == nil {
		return APIVersion{}, fmt.Errorf("invalid version format: %q", s)
	}

	parts := make([]int, 3)
	for i := 0; i < 3; i++ {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return APIVersion{}, fmt.Errorf("invalid version component %q: %w", m[i+1], err)
		}
		parts[i] = n
	}
	return APIVersion{Major: parts[0], Minor: parts[1], Patch: parts[2], Prerelease: m[4]}, nil
}

// Compatibility is the outcome of matching a requested API version.
type Compatibility struct {
	Requested  APIVersion `json:"requested"`
	Current    APIVersion `json:"current"`
	Compatible bool       `json:"compatible"`
	Reason     string     `json:"reason,omitempty"`
	tooOld     bool
}

func CheckCompatibility(requested APIVersion) Compatibility {
	c := Compatibility{Requested: requested, Current: CurrentVersion, Compatible: true}
	switch {
	case requested.Compare(MinimumSupportedVersion) < 0:
		c.Compatible = false
		c.tooOld = true
		c.Reason = fmt.Sprintf("version %s is no longer supported (minimum %s)", requested, MinimumSupportedVersion)
	case !CurrentVersion.IsCompatible(requested):
		c.Compatible = false
		c.Reason = fmt.Sprintf("version %s is not available (current %s)", requested, CurrentVersion)
	}
	return c
}

// SupportedRange renders the accepted versions for response headers.
func SupportedRange() string {
	return MinimumSupportedVersion.String() + " - " + CurrentVersion.String()
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version    string `json:"version"`
	BuildTime  string `json:"build_time"`
	GitCommit  string `json:"git_commit"`
	GoVersion  string `json:"go_version"`
	APIVersion string `json:"api_version"`
}

func Info() BuildInfo {
	return BuildInfo{
		Version:    Version,
		BuildTime:  BuildTime,
		GitCommit:  GitCommit,
		GoVersion:  runtime.Version(),
		APIVersion: CurrentVersion.String(),
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (api %s, commit %s, built %s, %s)", b.Version, b.APIVersion, b.GitCommit, b.BuildTime, b.GoVersion)
}
