package common

import (
	"fmt"
)

// Must be manually updated!
// Before releasing: Verify the version number and set Prerelease to ""
// After releasing: Increase the Patch number and set Prerelease to "-pre"
var version = Version{
	Major:      0,
	Minor:      3,
	Patch:      0,
	Prerelease: "-pre",
}

func GetAppVersion() Version {
	return version
}

type Version struct {
	Major      uint32
	Minor      uint32
	Patch      uint32
	Prerelease string
}

// IsCompatible tells whether files written by verRcv can be read by v.
func (v Version) IsCompatible(verRcv Version) bool {
	if v.Major == 0 && v.Minor == 0 && v.Patch == 0 {
		return true
	}
	return v.Major == verRcv.Major && v.Minor == verRcv.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Prerelease)
}
