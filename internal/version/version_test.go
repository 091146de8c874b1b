package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrentDefaults(t *testing.T) {
	build := Current()
	require.NotEmpty(t, build.Version)
	require.NotEmpty(t, build.Commit)
	require.NotEmpty(t, build.Date)
}

func TestBuildString(t *testing.T) {
	build := Build{Version: "1.2.3", Commit: "abc123", Date: "2026-01-01"}
	require.Equal(t, "version=1.2.3 commit=abc123 date=2026-01-01", build.String())
}

func TestBuildFields(t *testing.T) {
	fields := Build{Version: "1.2.3", Commit: "abc123", Date: "2026-01-01"}.Fields()
	require.Equal(t, "1.2.3", fields["version"])
	require.Equal(t, "abc123", fields["commit"])
	require.Equal(t, "2026-01-01", fields["built"])
}
