package fsutil

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var exposureExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// IsExposure reports whether path names a FITS file.
func IsExposure(path string) bool {
	_, ok := exposureExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ListExposures returns all FITS files under root, sorted.
func ListExposures(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsExposure(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	slices.Sort(files)
	return files, err
}

// ExpandInputs replaces every directory in paths with the exposures it
// contains. Other paths are kept as given, missing ones included, so the
// caller reports them per file. Duplicates are dropped.
func ExpandInputs(paths []string) ([]string, error) {
	seen := make(map[string]struct{}, len(paths))
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			add(p)
			continue
		}
		files, err := ListExposures(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			add(f)
		}
	}
	return out, nil
}
