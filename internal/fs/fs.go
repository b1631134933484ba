// Package fs holds some utilities for manipulating the file system
package fs

import (
	"fmt"
	"os"
	"os/user"
)

const defaultDirectoryPermission = 0740

// HomeFolder returns the home folder of the current user, or the empty string
// when it cannot be found.
func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.HomeDir
}

// CreateSecureFolder creates folder readable by the owner only, or checks that
// an existing one is not readable by others.
func CreateSecureFolder(folder string) error {
	exists, err := Exists(folder)
	if err != nil {
		return err
	}
	if !exists {
		return os.MkdirAll(folder, defaultDirectoryPermission)
	}
	info, err := os.Lstat(folder)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a folder", folder)
	}
	if info.Mode().Perm()&0007 != 0 {
		return fmt.Errorf("folder %s is accessible to others: %#o", folder, info.Mode().Perm())
	}
	return nil
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
