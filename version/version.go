// Package version implements the package manager's total order over version
// strings: v<major>[.<minor>[.<patch>]][<prerel-sep><prerel-num>].
package version

import (
	"strconv"
	"strings"
)

// Release-type offsets added to the packed numeric value so that, for any
// two well-formed versions at the same major.minor.patch, release > beta >
// alpha > develop. The gap between offsets (1000) is wider than the capped
// prerelease number (999) so a prerelease number can never push one release
// type's value into the next type's range.
const (
	offsetDevelop = 0
	offsetAlpha   = 1000
	offsetBeta    = 2000
	offsetRelease = 3000

	maxPrerelNum = 999
)

// Version is a parsed version value. An empty Version (Empty() == true)
// represents the unknown/not-yet-known version.
type Version struct {
	raw                     string
	major, minor, patch     int
	prerelSep               byte // 0 when this is a release build
	prerelNum               int
	valid                   bool
}

// Parse interprets s as a version string. Invalid or empty input yields a
// Version whose Num() is 0, matching spec's "invalid inputs yield 0".
func Parse(s string) Version {
	if s == "" || s[0] != 'v' {
		return Version{raw: s}
	}
	body := s[1:]

	// Split off a prerelease suffix introduced by ~, b, a, or d.
	var prerelSep byte
	prerelIdx := -1
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '~', 'b', 'a', 'd':
			prerelSep = body[i]
			prerelIdx = i
		}
		if prerelIdx != -1 {
			break
		}
	}

	numericPart := body
	prerelNum := 0
	if prerelIdx != -1 {
		numericPart = body[:prerelIdx]
		prerelText := body[prerelIdx+1:]
		if prerelText != "" {
			n, err := strconv.Atoi(prerelText)
			if err != nil || n < 0 {
				return Version{raw: s}
			}
			prerelNum = n
		}
	}

	fields := strings.Split(numericPart, ".")
	if len(fields) == 0 || len(fields) > 3 {
		return Version{raw: s}
	}
	parsed := make([]int, 3)
	for i, field := range fields {
		if field == "" {
			return Version{raw: s}
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return Version{raw: s}
		}
		parsed[i] = n
	}

	return Version{
		raw:       s,
		major:     parsed[0],
		minor:     parsed[1],
		patch:     parsed[2],
		prerelSep: prerelSep,
		prerelNum: prerelNum,
		valid:     true,
	}
}

// Empty reports whether this is the unknown/not-yet-known version.
func (v Version) Empty() bool {
	return v.raw == ""
}

// releaseOffset maps the prerelease separator to its ordering offset.
func (v Version) releaseOffset() int64 {
	switch v.prerelSep {
	case 0:
		return offsetRelease
	case '~', 'b':
		return offsetBeta
	case 'a':
		return offsetAlpha
	case 'd':
		return offsetDevelop
	default:
		return offsetRelease
	}
}

// Num returns the total-order packing of the version: invalid or empty
// input yields 0, and for any two well-formed versions a, b, Num(a) <
// Num(b) iff a is older than b in release order (release > beta > alpha >
// develop at equal major.minor.patch).
func (v Version) Num() int64 {
	if !v.valid {
		return 0
	}
	prerelNum := v.prerelNum
	if prerelNum > maxPrerelNum {
		prerelNum = maxPrerelNum
	}
	return int64(v.major)*1e10 + int64(v.minor)*1e7 + int64(v.patch)*1e4 + v.releaseOffset() + int64(prerelNum)
}

// String renders the version back to its canonical textual form. Parsing
// this string again yields a Version with an identical Num(); it is not a
// byte-exact re-serialization of whatever spelling Parse was originally
// given (e.g. a superfluous leading zero in the input is not preserved).
func (v Version) String() string {
	if !v.valid {
		return v.raw
	}
	var b strings.Builder
	b.WriteByte('v')
	b.WriteString(strconv.Itoa(v.major))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(v.minor))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(v.patch))
	if v.prerelSep != 0 {
		b.WriteByte(v.prerelSep)
		b.WriteString(strconv.Itoa(v.prerelNum))
	}
	return b.String()
}

// Less reports whether v is strictly older than other.
func (v Version) Less(other Version) bool {
	return v.Num() < other.Num()
}
