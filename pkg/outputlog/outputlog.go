package outputlog

import (
	"fmt"
	"regexp"
	"time"
)

// TimestampFormat is the layout of record timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z"

var streamPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]{1,64}$`)

// Chunk is one record of a transcript.
type Chunk struct {
	Stream    string
	Timestamp time.Time // UTC
	Data      []byte
	Error     error // set by the reader on a malformed record
}

// ValidStream reports whether name can be used as a stream name.
func ValidStream(name string) bool {
	return streamPattern.MatchString(name)
}

// FormatChunk encodes a chunk as one record.
func FormatChunk(chunk Chunk) []byte {
	timestamp := chunk.Timestamp.UTC().Format(TimestampFormat)
	out := fmt.Appendf(nil, "%s %s %d: ", chunk.Stream, timestamp, len(chunk.Data))
	out = append(out, chunk.Data...)
	return append(out, '\n')
}
