// Package pathsafe converts untrusted identifiers into safe filesystem names.
package pathsafe

import (
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Windows reserved device names cannot be used as file names even with an
// extension appended.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Sanitize replaces every character outside [A-Za-z0-9_-] with an underscore,
// appends "_safe" to reserved device names, and truncates to 255 characters.
func Sanitize(text string) string {
	s := unsafeChars.ReplaceAllString(text, "_")
	if _, ok := reservedNames[strings.ToUpper(s)]; ok {
		s += "_safe"
	}
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}
