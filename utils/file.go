package utils

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// StaleTempAge is the age threshold for removing leftover temp copies during GC.
// A temp file younger than this may belong to an in-flight disk copy.
const StaleTempAge = time.Hour

// TempPrefix marks in-progress copy destinations. Files carrying it are
// invisible to listings and swept by GC once stale.
const TempPrefix = ".tmp-"

// EnsureDirs creates all directories with 0o750 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ValidFile returns true if path is a regular file with size > 0.
func ValidFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// FileExists returns true if path exists as a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ScanFileStems returns the name-without-suffix of every file in dir whose
// name ends with suffix. Temp copies are excluded. Used by listings and GC
// to enumerate checkpoint disk/sidecar pairs.
func ScanFileStems(dir, suffix string) []string {
	entries, _ := os.ReadDir(dir)
	var stems []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			stems = append(stems, strings.TrimSuffix(e.Name(), suffix))
		}
	}
	return stems
}

// ScanSubdirs returns the names of all immediate subdirectories of dir.
// Used by GC to enumerate per-VM checkpoint directories.
func ScanSubdirs(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}
