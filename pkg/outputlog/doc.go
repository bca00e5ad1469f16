// Package outputlog defines the transcript format: several text streams of a
// kernel session multiplexed into one file.
//
// # Format
//
// Each record has the form
//
//	stream timestamp length: content\n
//
// The trailing \n is a separator and is always written, even when content
// itself ends in a newline.
//
// # Fields
//
//   - stream: matches [a-zA-Z0-9_./-]{1,64}, for example stdout, stderr,
//     display or status.
//   - timestamp: UTC, 2006-01-02T15:04:05.000000000Z.
//   - length: byte length of content.
//   - content: exactly length bytes. May contain newlines and any byte value.
//
// # Example
//
//	status 2025-01-07T12:00:00.000000000Z 28: execute 3 compile exit=0
//	stdout 2025-01-07T12:00:00.125000000Z 6: hello
//
//	stderr 2025-01-07T12:00:00.126000000Z 8: error: x
//
// The first stdout record holds "hello\n"; the blank line after it is the
// separator.
package outputlog
