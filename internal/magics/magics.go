// Package magics parses the "//%" directive lines of a cell.
//
// A directive line has the form
//
//	//% key: value
//
// Recognised keys (case-insensitive):
//
//   - cxxflags: extra compiler flags, split on whitespace
//   - ldflags: extra linker flags, split on whitespace
//   - args: arguments for the executable; commas and whitespace separate
//     arguments, double quotes group them and are stripped
//   - display: how stdout is presented: text (default), markdown or auto
//
// Other keys and lines without a colon are ignored. Directive lines stay in
// the source; the compiler sees them as comments.
package magics

import (
	"regexp"
	"strings"
)

// Display selects how the executable's stdout is presented.
type Display string

const (
	DisplayText     Display = "text"
	DisplayMarkdown Display = "markdown"
	DisplayAuto     Display = "auto"
)

const prefix = "//%"

var argPattern = regexp.MustCompile(`(?:[^\s,"]|"(?:\\.|[^"])*")+`)

// Magics holds the directives found in a cell.
type Magics struct {
	CXXFlags []string
	LDFlags  []string
	Args     []string
	Display  Display
}

// Parse collects the directives of code. Repeated keys accumulate.
func Parse(code string) Magics {
	m := Magics{Display: DisplayText}

	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		key, value, ok := strings.Cut(line[len(prefix):], ":")
		if !ok {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "cxxflags":
			m.CXXFlags = append(m.CXXFlags, strings.Fields(value)...)
		case "ldflags":
			m.LDFlags = append(m.LDFlags, strings.Fields(value)...)
		case "args":
			m.Args = append(m.Args, splitArgs(value)...)
		case "display":
			switch d := Display(strings.ToLower(strings.TrimSpace(value))); d {
			case DisplayText, DisplayMarkdown, DisplayAuto:
				m.Display = d
			}
		}
	}

	return m
}

func splitArgs(value string) []string {
	var args []string
	for _, arg := range argPattern.FindAllString(value, -1) {
		args = append(args, strings.Trim(arg, `"`))
	}
	return args
}
