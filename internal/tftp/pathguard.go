package tftp

import (
	"os"
	"path/filepath"
	"strings"
)

// resolvePath validates filename against root and returns the canonical
// on-disk path. A peer must never be able to read or write outside root,
// regardless of ".." segments, absolute paths, or symlinks. forWrite selects
// the WRQ rules
// (parent must exist, target must not already exist unless allowOverwrite);
// otherwise the RRQ rules apply (target must exist, be a regular file, and
// not be a symlink, whether or not it points inside root).
func resolvePath(root, filename string, forWrite, allowOverwrite bool) (string, error) {
	if filename == "" {
		return "", newPathError(ErrAccessViolation, "empty filename")
	}
	if strings.ContainsRune(filename, 0) {
		return "", newPathError(ErrAccessViolation, "filename contains NUL")
	}
	if filepath.IsAbs(filename) || strings.HasPrefix(filename, "/") || strings.HasPrefix(filename, `\`) {
		return "", newPathError(ErrAccessViolation, "absolute paths are not allowed")
	}

	joined := filepath.Join(root, filename)
	clean := filepath.Clean(joined)

	if !withinRoot(root, clean) {
		return "", newPathError(ErrAccessViolation, "path escapes serving root")
	}

	if forWrite {
		if err := checkWriteTarget(root, clean, allowOverwrite); err != nil {
			return "", err
		}
		return clean, nil
	}

	return clean, checkReadTarget(root, clean)
}

// withinRoot reports whether clean lies inside root at a segment boundary,
// not merely as a string prefix (so "/srv/tftproot-evil" is rejected against
// root "/srv/tftproot").
func withinRoot(root, clean string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absClean, err := filepath.Abs(clean)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func checkReadTarget(root, clean string) error {
	info, err := os.Lstat(clean)
	if err != nil {
		return newPathError(ErrFileNotFound, "file not found")
	}
	// Symlinks are rejected unconditionally, even ones that resolve inside
	// root: the target can be swapped out between this check and the file
	// being opened for the session, so there is no race-free way to serve
	// through one.
	if info.Mode()&os.ModeSymlink != 0 {
		return newPathError(ErrAccessViolation, "symlinks are not served")
	}
	if !info.Mode().IsRegular() {
		return newPathError(ErrFileNotFound, "not a regular file")
	}
	return nil
}

func checkWriteTarget(root, clean string, allowOverwrite bool) error {
	parent := filepath.Dir(clean)
	parentInfo, err := os.Stat(parent)
	if err != nil || !parentInfo.IsDir() {
		return newPathError(ErrFileNotFound, "parent directory does not exist")
	}
	if !withinRoot(root, parent) {
		return newPathError(ErrAccessViolation, "parent directory escapes serving root")
	}
	if _, err := os.Lstat(clean); err == nil && !allowOverwrite {
		return newPathError(ErrFileExists, "file already exists")
	}
	return nil
}
