// Package outputtype classifies the stdout of a cell so the kernel can decide
// whether to offer a rich rendering of it.
package outputtype

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// OutputType is the detected kind of output.
type OutputType string

const (
	OutputTypeUnknown  OutputType = "unknown"
	OutputTypeText     OutputType = "text"
	OutputTypeBinary   OutputType = "binary"
	OutputTypeMarkdown OutputType = "markdown"
)

// DefaultSampleSize is how much leading output the detector looks at.
const DefaultSampleSize = 8192

// markdownMinScore is the number of markdown constructs needed before text is
// treated as markdown.
const markdownMinScore = 3

var (
	headerPattern     = regexp.MustCompile(`^#{1,6}(\s|$)`)
	fencePattern      = regexp.MustCompile("^(```|~~~)")
	listPattern       = regexp.MustCompile(`^([-*+]|\d+\.)\s`)
	linkPattern       = regexp.MustCompile(`\[[^\]]+\]\([^)]+\)`)
	emphasisPattern   = regexp.MustCompile(`\*\*[^*]+\*\*|__[^_]+__`)
	blockquotePattern = regexp.MustCompile(`^>\s`)
	tableRowPattern   = regexp.MustCompile(`^\|.*\|$`)
)

// Detector accumulates the first bytes of a stream. It is used from a single
// goroutine.
type Detector struct {
	sample     []byte
	sampleSize int
}

// NewDetector creates a detector looking at the first DefaultSampleSize bytes.
func NewDetector() *Detector {
	return &Detector{sampleSize: DefaultSampleSize}
}

// Feed adds output. Anything past the sample size is ignored.
func (d *Detector) Feed(text string) {
	room := d.sampleSize - len(d.sample)
	if room <= 0 {
		return
	}
	if len(text) > room {
		text = text[:room]
	}
	d.sample = append(d.sample, text...)
}

// Detect classifies what was fed so far and returns the type with a short
// reason.
func (d *Detector) Detect() (OutputType, string) {
	if len(d.sample) == 0 {
		return OutputTypeUnknown, "no output"
	}
	if isBinary(d.sample) {
		return OutputTypeBinary, "null bytes or many non-printable characters"
	}
	if score := markdownScore(string(d.sample)); score >= markdownMinScore {
		return OutputTypeMarkdown, "markdown formatting detected"
	}
	return OutputTypeText, "plain text"
}

// Detect classifies a complete piece of output.
func Detect(text string) OutputType {
	d := NewDetector()
	d.Feed(text)
	t, _ := d.Detect()
	return t
}

func isBinary(sample []byte) bool {
	nonPrintable := 0
	total := 0
	for len(sample) > 0 {
		r, size := utf8.DecodeRune(sample)
		sample = sample[size:]
		total++
		switch {
		case r == 0:
			return true
		case r == utf8.RuneError && size == 1:
			nonPrintable++
		case r < 32 && r != '\t' && r != '\n' && r != '\r' && r != 0x1b:
			nonPrintable++
		case r >= 0x7f && r < 0xa0:
			nonPrintable++
		}
	}
	return float64(nonPrintable) > float64(total)*0.3
}

func markdownScore(text string) int {
	score := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, p := range []*regexp.Regexp{headerPattern, fencePattern, listPattern, blockquotePattern, tableRowPattern} {
			if p.MatchString(trimmed) {
				score++
			}
		}
		score += len(linkPattern.FindAllStringIndex(line, -1))
		score += len(emphasisPattern.FindAllStringIndex(line, -1))
	}
	return score
}
