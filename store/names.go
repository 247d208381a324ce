// Package store persists calibration artifacts as NumPy .npz archives, guarded by a sidecar
// file lock and written atomically through a temporary sibling file.
package store

import (
	"path/filepath"
	"regexp"
)

// Extension is the artifact file extension.
const Extension = ".npz"

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeID makes a camera id safe to embed in a file name.
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// IntrinsicsName is the artifact base name for a camera's intrinsics.
func IntrinsicsName(id string) string {
	return "calib_" + SanitizeID(id)
}

// StereoName is the artifact base name for a camera pair. It does not depend on the order of the ids.
func StereoName(a, b string) string {
	a, b = SanitizeID(a), SanitizeID(b)
	if b < a {
		a, b = b, a
	}
	return "stereo_" + a + "_" + b
}

// Store resolves artifact paths inside a calibration directory.
type Store struct {
	Dir string
}

// IntrinsicsPath is where the intrinsics of camera id live.
func (s Store) IntrinsicsPath(id string) string {
	return filepath.Join(s.Dir, IntrinsicsName(id)+Extension)
}

// StereoPath is where the stereo parameters of the pair live.
func (s Store) StereoPath(a, b string) string {
	return filepath.Join(s.Dir, StereoName(a, b)+Extension)
}
