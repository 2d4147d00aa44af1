package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIVersion_String(t *testing.T) {
	assert.Equal(t, "1.2.3", APIVersion{Major: 1, Minor: 2, Patch: 3}.String())
	assert.Equal(t, "1.2.3-beta", APIVersion{Major: 1, Minor: 2, Patch: 3, Prerelease: "beta"}.String())
	assert.Equal(t, "0.0.0", APIVersion{}.String())
}

func TestAPIVersion_Compare(t *testing.T) {
	tests := []struct {
		name     string
		v1, v2   APIVersion
		expected int
	}{
		{"equal", APIVersion{Major: 1, Minor: 2, Patch: 3}, APIVersion{Major: 1, Minor: 2, Patch: 3}, 0},
		{"greater major", APIVersion{Major: 2}, APIVersion{Major: 1, Minor: 9, Patch: 9}, 1},
		{"lesser minor", APIVersion{Major: 1, Minor: 1}, APIVersion{Major: 1, Minor: 2}, -1},
		{"greater patch", APIVersion{Major: 1, Patch: 2}, APIVersion{Major: 1, Patch: 1}, 1},
		{"release after prerelease", APIVersion{Major: 1}, APIVersion{Major: 1, Prerelease: "rc.1"}, 1},
		{"prerelease before release", APIVersion{Major: 1, Prerelease: "rc.1"}, APIVersion{Major: 1}, -1},
		{"prerelease ordering", APIVersion{Major: 1, Prerelease: "alpha"}, APIVersion{Major: 1, Prerelease: "beta"}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.v1.Compare(tt.v2))
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected APIVersion
		wantErr  bool
	}{
		{input: "1.2.3", expected: APIVersion{Major: 1, Minor: 2, Patch: 3}},
		{input: "v1.1", expected: APIVersion{Major: 1, Minor: 1}},
		{input: "2", expected: APIVersion{Major: 2}},
		{input: "1.0.0-rc.1", expected: APIVersion{Major: 1, Prerelease: "rc.1"}},
		{input: "", wantErr: true},
		{input: "one.two", wantErr: true},
		{input: "1.2.3.4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseVersion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name       string
		requested  APIVersion
		compatible bool
		tooOld     bool
	}{
		{name: "current", requested: CurrentVersion, compatible: true},
		{name: "minimum", requested: MinimumSupportedVersion, compatible: true},
		{name: "older than minimum", requested: APIVersion{Major: 0, Minor: 9}, tooOld: true},
		{name: "newer minor", requested: APIVersion{Major: 1, Minor: 9}},
		{name: "next major", requested: APIVersion{Major: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CheckCompatibility(tt.requested)
			assert.Equal(t, tt.compatible, c.Compatible)
			assert.Equal(t, tt.tooOld, c.tooOld)
			if !tt.compatible {
				assert.NotEmpty(t, c.Reason)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	info := Info()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, CurrentVersion.String(), info.APIVersion)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.String(), "api "+CurrentVersion.String())
}
