package includes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotebookPath(t *testing.T) {
	tests := []struct {
		cellID string
		want   string
		ok     bool
	}{
		{"vscode-notebook-cell:/home/me/work/demo.ipynb#W1sZmlsZQ%3D%3D", "/home/me/work/demo.ipynb", true},
		{"vscode-notebook-cell:/home/me/my%20work/demo.ipynb#abc", "/home/me/my work/demo.ipynb", true},
		{"no-colon", "", false},
		{"scheme:/no/fragment.ipynb", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NotebookPath(tt.cellID)
		require.Equal(t, tt.ok, ok, tt.cellID)
		require.Equal(t, tt.want, got, tt.cellID)
	}
}

func TestRewrite_NoCellID(t *testing.T) {
	code := "#include \"util.h\"\nint main() {}\n"
	got, deps := Rewrite(code, "")
	require.Equal(t, code, got)
	require.Nil(t, deps)
}

func TestRewrite_LocalIncludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "math.hpp"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "math.cpp"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "header_only.h"), nil, 0o600))

	code := "#include <vector>\n" +
		"#include \"lib/math.hpp\" // helpers\n" +
		"#include \"header_only.h\"\n" +
		"int main() {}"
	cellID := "vscode-notebook-cell:" + filepath.Join(dir, "nb.ipynb") + "#cell"

	got, deps := Rewrite(code, cellID)

	want := "#include <vector>\n" +
		"#include \"" + filepath.Join(dir, "lib", "math.hpp") + "\"\n" +
		"#include \"" + filepath.Join(dir, "header_only.h") + "\"\n" +
		"int main() {}"
	require.Equal(t, want, got)
	require.Equal(t, []string{filepath.Join(dir, "lib", "math.cpp")}, deps)
}

func TestRewrite_AbsoluteIncludeKept(t *testing.T) {
	got, deps := Rewrite("#include \"/opt/inc/x.h\"", "cell:/work/nb.ipynb#1")
	require.Equal(t, "#include \"/opt/inc/x.h\"", got)
	require.Empty(t, deps)
}

func TestRewrite_ParentDirectory(t *testing.T) {
	got, _ := Rewrite("#include \"../shared/a.h\"", "cell:/work/notebooks/nb.ipynb#1")
	require.Equal(t, "#include \"/work/shared/a.h\"", got)
}
