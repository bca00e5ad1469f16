package magics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_NoDirectives(t *testing.T) {
	m := Parse("#include <iostream>\nint main() { return 0; }\n")
	require.Empty(t, m.CXXFlags)
	require.Empty(t, m.LDFlags)
	require.Empty(t, m.Args)
	require.Equal(t, DisplayText, m.Display)
}

func TestParse_Flags(t *testing.T) {
	code := `//% cxxflags: -O2 -Wall
//% LDFLAGS: -lm   -lpthread
//% cxxflags: -g
int main() {}
`
	m := Parse(code)
	require.Equal(t, []string{"-O2", "-Wall", "-g"}, m.CXXFlags)
	require.Equal(t, []string{"-lm", "-lpthread"}, m.LDFlags)
}

func TestParse_Args(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"whitespace", `//% args: one two three`, []string{"one", "two", "three"}},
		{"commas", `//% args: a,b, c`, []string{"a", "b", "c"}},
		{"quoted", `//% args: "hello world" plain`, []string{"hello world", "plain"}},
		{"empty", `//% args:`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Parse(tt.line).Args)
		})
	}
}

func TestParse_ValueWithColon(t *testing.T) {
	m := Parse(`//% args: http://example.com key:value`)
	require.Equal(t, []string{"http://example.com", "key:value"}, m.Args)
}

func TestParse_Display(t *testing.T) {
	require.Equal(t, DisplayMarkdown, Parse("//% display: Markdown").Display)
	require.Equal(t, DisplayAuto, Parse("//% display: auto").Display)
	require.Equal(t, DisplayText, Parse("//% display: fancy").Display)
}

func TestParse_IgnoresMalformedAndUnknown(t *testing.T) {
	code := "//% no colon here\n//% unknown: x\n  //% cxxflags: -O3\n//%cxxflags:-O1\r\n"
	m := Parse(code)
	// Indented directives are not directives.
	require.Equal(t, []string{"-O1"}, m.CXXFlags)
	require.Empty(t, m.Args)
}
