// Package catalog holds the closed set of supported simulator runtimes and the
// per-version policy data: where the SDK comes from, how it is laid out on
// disk, and which toolchain flags build against it.
package catalog

import (
	"fmt"
	"strings"

	"cargomsfs/internal/errs"
)

// RuntimeVersion identifies a supported simulator runtime.
type RuntimeVersion string

const (
	MSFS2020 RuntimeVersion = "msfs2020"
	MSFS2024 RuntimeVersion = "msfs2024"
)

var allVersions = []RuntimeVersion{MSFS2020, MSFS2024}

// All returns every supported runtime version in catalog order.
func All() []RuntimeVersion {
	return append([]RuntimeVersion(nil), allVersions...)
}

// Valid reports whether v is a member of the closed set.
func (v RuntimeVersion) Valid() bool {
	switch v {
	case MSFS2020, MSFS2024:
		return true
	default:
		return false
	}
}

func (v RuntimeVersion) String() string {
	return string(v)
}

// DisplayName is the human label, e.g. "MSFS 2024".
func (v RuntimeVersion) DisplayName() string {
	return "MSFS " + strings.TrimPrefix(string(v), "msfs")
}

// Index returns the catalog position of v, or -1.
func (v RuntimeVersion) Index() int {
	for i, candidate := range allVersions {
		if candidate == v {
			return i
		}
	}
	return -1
}

// Parse converts user input into a RuntimeVersion. "2020", "msfs2020" and
// "MSFS2020" are accepted.
func Parse(raw string) (RuntimeVersion, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, " ", "")
	if !strings.HasPrefix(value, "msfs") {
		value = "msfs" + value
	}
	v := RuntimeVersion(value)
	if !v.Valid() {
		return "", errs.New(errs.KindNotSupportedVersion, fmt.Sprintf("unsupported runtime version %q (supported: %s)", raw, supportedList()))
	}
	return v, nil
}

// Check returns a NotSupportedVersion error when v is outside the closed set.
func Check(v RuntimeVersion) error {
	if v.Valid() {
		return nil
	}
	return errs.New(errs.KindNotSupportedVersion, fmt.Sprintf("unsupported runtime version %q", string(v))).WithVersion(string(v))
}

func supportedList() string {
	names := make([]string, len(allVersions))
	for i, v := range allVersions {
		names[i] = string(v)
	}
	return strings.Join(names, ", ")
}
