package kernel

import (
	"strings"

	"cellrunner/internal/magics"
	"cellrunner/pkg/markdown"
	"cellrunner/pkg/outputlog"
	"cellrunner/pkg/outputtype"
)

// maxDisplayBytes caps the stdout kept for a rich display.
const maxDisplayBytes = 1 << 20

// recorder forwards output to the client and copies it into the transcript.
type recorder struct {
	out    Output
	log    *outputlog.Writer
	silent bool
}

func (r *recorder) Stdout(text string) {
	r.record("stdout", text)
	if !r.silent && r.out != nil {
		r.out.Stdout(text)
	}
}

func (r *recorder) Stderr(text string) {
	r.record("stderr", text)
	if !r.silent && r.out != nil {
		r.out.Stderr(text)
	}
}

func (r *recorder) Display(data map[string]string) {
	r.record("display", data["text/plain"])
	if !r.silent && r.out != nil {
		r.out.Display(data)
	}
}

func (r *recorder) status(line string) {
	r.record("status", line)
}

func (r *recorder) record(stream, text string) {
	if r.log == nil {
		return
	}
	// Errors only happen after Close, which waits for executions to end.
	_ = r.log.WriteString(stream, text)
}

// display implements the display magic on top of the stdout sink.
type display struct {
	mode     magics.Display
	rec      *recorder
	buf      strings.Builder
	overflow bool
	detector *outputtype.Detector
}

func newDisplay(mode magics.Display, rec *recorder) *display {
	d := &display{mode: mode, rec: rec}
	if mode == magics.DisplayAuto {
		d.detector = outputtype.NewDetector()
	}
	return d
}

func (d *display) stdout(text string) {
	switch d.mode {
	case magics.DisplayMarkdown:
		if d.overflow {
			d.rec.Stdout(text)
			return
		}
		d.keep(text)
	case magics.DisplayAuto:
		d.rec.Stdout(text)
		d.detector.Feed(text)
		d.keep(text)
	default:
		d.rec.Stdout(text)
	}
}

func (d *display) keep(text string) {
	if d.overflow {
		return
	}
	if d.buf.Len()+len(text) > maxDisplayBytes {
		d.overflow = true
		if d.mode == magics.DisplayMarkdown {
			// Too large to render; hand over what we have as plain output.
			d.rec.Stdout(d.buf.String())
			d.rec.Stdout(text)
		}
		d.buf.Reset()
		return
	}
	d.buf.WriteString(text)
}

// finish emits the display once the executable has exited.
func (d *display) finish() {
	if d.buf.Len() == 0 {
		return
	}
	switch d.mode {
	case magics.DisplayMarkdown:
		d.rec.Display(markdown.Bundle(d.buf.String()))
	case magics.DisplayAuto:
		if t, _ := d.detector.Detect(); t == outputtype.OutputTypeMarkdown {
			d.rec.Display(markdown.Bundle(d.buf.String()))
		}
	}
}
