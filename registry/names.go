package registry

import "strings"

// forbiddenSubstrings and forbiddenExactNames implement spec.md §6's
// package-name validation rules.
var forbiddenSubstrings = []string{
	"-current", "-latest", "-main", "-test", "-temp", "-debug", "-beta",
	"-backup1", "-backup2", "-blind",
	"-0", "-1", "-2", "-3", "-4", "-5", "-6", "-7", "-8", "-9",
	"ccgx", " ",
}

var forbiddenExactNames = map[string]bool{
	"conf": true, "db": true, "etc": true, "home": true, "keys": true,
	"log": true, "lost+found": true, "setupOptions": true, "themes": true,
	"tmp": true, "var": true, "venus": true, "vrmfilescache": true,
}

// ValidName reports whether name is an acceptable package name: non-empty,
// not beginning with ".", not one of the forbidden exact names, and not
// containing any forbidden substring.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	if forbiddenExactNames[name] {
		return false
	}
	for _, sub := range forbiddenSubstrings {
		if strings.Contains(name, sub) {
			return false
		}
	}
	return true
}
