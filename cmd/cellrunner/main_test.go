package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cellrunner/pkg/outputlog"
)

func transcriptFixture() string {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 600000000, time.UTC)
	var b bytes.Buffer
	b.Write(outputlog.FormatChunk(outputlog.Chunk{Stream: "stdout", Timestamp: ts, Data: []byte("one\ntwo\n")}))
	b.Write(outputlog.FormatChunk(outputlog.Chunk{Stream: "stderr", Timestamp: ts, Data: []byte("warn\n")}))
	b.Write(outputlog.FormatChunk(outputlog.Chunk{Stream: "stdout", Timestamp: ts, Data: []byte("three")}))
	return b.String()
}

func TestPrintTranscript(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printTranscript(&out, strings.NewReader(transcriptFixture()), ""))
	require.Equal(t,
		"03:04:05.600 stdout  one\n"+
			"03:04:05.600 stdout  two\n"+
			"03:04:05.600 stderr  warn\n"+
			"03:04:05.600 stdout  three\n",
		out.String())
}

func TestPrintTranscript_Stream(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printTranscript(&out, strings.NewReader(transcriptFixture()), "stdout"))
	require.Equal(t, "one\ntwo\nthree", out.String())
}

func TestPrintTranscript_Truncated(t *testing.T) {
	data := transcriptFixture()
	var out bytes.Buffer
	err := printTranscript(&out, strings.NewReader(data[:len(data)-3]), "")
	require.Error(t, err)
}

func TestTerminalOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	o := terminalOutput{stdout: &stdout, stderr: &stderr}
	o.Stdout("a")
	o.Stderr("b")
	o.Display(map[string]string{"text/plain": "c", "text/html": "<p>c</p>"})
	require.Equal(t, "ac", stdout.String())
	require.Equal(t, "b", stderr.String())
}
