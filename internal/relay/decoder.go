package relay

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns raw stream bytes into UTF-8 text. A multi-byte sequence
// split across two flushes is held back until the rest arrives; ill-formed
// bytes become U+FFFD.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

// decode returns the text for pending bytes plus p. With atEOF set no bytes
// are held back.
func (d *textDecoder) decode(p []byte, atEOF bool) string {
	src := p
	if len(d.pending) > 0 {
		src = append(d.pending, p...)
		d.pending = nil
	}
	if len(src) == 0 {
		return ""
	}

	// Each ill-formed byte expands to at most three bytes of U+FFFD.
	dst := make([]byte, 3*len(src))
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if errors.Is(err, transform.ErrShortSrc) {
		d.pending = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst])
}

func (d *textDecoder) hasPending() bool {
	return len(d.pending) > 0
}
