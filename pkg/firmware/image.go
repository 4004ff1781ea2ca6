// Package firmware locates the restore image and runs the external restore
// tool against it.
package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultDir and DefaultExtensions describe where restore images are
// expected by default.
const DefaultDir = "ipsw"

var DefaultExtensions = []string{".ipsw"}

var (
	ErrNoImage        = errors.New("no firmware image found")
	ErrAmbiguousImage = errors.New("more than one firmware image found")
)

// ConfigError reports a startup problem with the firmware directory. It is
// fatal: the supervisor never starts with a bad image selection.
type ConfigError struct {
	Dir   string
	Found []string // matching files, for ErrAmbiguousImage
	Err   error
}

func (e *ConfigError) Error() string {
	if len(e.Found) > 0 {
		return fmt.Sprintf("firmware: %s: %v: %s", e.Dir, e.Err, strings.Join(e.Found, ", "))
	}
	return fmt.Sprintf("firmware: %s: %v", e.Dir, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// FindImage returns the path of the single regular file in dir whose
// extension is one of exts (case-insensitive). exts defaults to
// DefaultExtensions.
func FindImage(dir string, exts []string) (string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", &ConfigError{Dir: dir, Err: err}
	}

	var found []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !hasExt(e.Name(), exts) {
			continue
		}
		found = append(found, e.Name())
	}
	sort.Strings(found)

	switch len(found) {
	case 0:
		return "", &ConfigError{Dir: dir, Err: ErrNoImage}
	case 1:
		return filepath.Join(dir, found[0]), nil
	default:
		return "", &ConfigError{Dir: dir, Found: found, Err: ErrAmbiguousImage}
	}
}

func hasExt(name string, exts []string) bool {
	ext := filepath.Ext(name)
	for _, want := range exts {
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}
