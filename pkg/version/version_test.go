package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}
	require.Equal(t, "Version: 1.2.3-rc1\nBuild: abc", v.String())

	v = Version{Major: "1", Minor: "2", Patch: "3", Build: "$Id$"}
	require.True(t, strings.HasPrefix(v.String(), "Version: 1.2.3\nBuild: "))
}

func TestBuildInfo(t *testing.T) {
	require.True(t, strings.HasPrefix(BuildInfo(), "go"))
}
