package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: 1, Minor: 2, Patch: 3}
	require.Equal(t, "1.2.3", v.String())
	v.Prerelease = "-pre"
	require.Equal(t, "1.2.3-pre", v.String())
}

func TestVersionCompatible(t *testing.T) {
	v123 := Version{Major: 1, Minor: 2, Patch: 3}
	v124 := Version{Major: 1, Minor: 2, Patch: 4}
	v130 := Version{Major: 1, Minor: 3}
	dev := Version{}

	require.True(t, v123.IsCompatible(v124))
	require.False(t, v123.IsCompatible(v130))
	require.True(t, dev.IsCompatible(v130))
}
