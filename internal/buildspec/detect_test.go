package buildspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files map[string]string
		want  Spec
	}{
		{
			name:  "go_with_root_main",
			files: map[string]string{"go.mod": "module example.com/app\n", "main.go": "package main\n"},
			want:  Spec{Language: "go", PackageManager: "go modules", EntryPoint: "main.go"},
		},
		{
			name: "go_with_cmd_layout",
			files: map[string]string{
				"go.mod":             "module example.com/app\n",
				"cmd/server/main.go": "package main\n",
			},
			want: Spec{Language: "go", PackageManager: "go modules", EntryPoint: filepath.Join("cmd", "server", "main.go")},
		},
		{
			name: "node_express_with_yarn",
			files: map[string]string{
				"package.json": `{"main":"server.js","dependencies":{"express":"^4.18.0"}}`,
				"yarn.lock":    "",
			},
			want: Spec{Language: "javascript", Framework: "express", PackageManager: "yarn", EntryPoint: "server.js"},
		},
		{
			name:  "python_pip",
			files: map[string]string{"requirements.txt": "flask\n", "app.py": ""},
			want:  Spec{Language: "python", PackageManager: "pip", EntryPoint: "app.py"},
		},
		{
			name:  "python_django",
			files: map[string]string{"requirements.txt": "django\n", "manage.py": ""},
			want:  Spec{Language: "python", PackageManager: "pip", Framework: "django", EntryPoint: "manage.py"},
		},
		{
			name:  "java_maven",
			files: map[string]string{"pom.xml": "<project/>"},
			want:  Spec{Language: "java", PackageManager: "maven"},
		},
		{
			name:  "rust",
			files: map[string]string{"Cargo.toml": "[package]\n"},
			want:  Spec{Language: "rust", PackageManager: "cargo", EntryPoint: "src/main.rs"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := writeTree(t, tt.files)
			spec, err := Detect(dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec)
		})
	}
}

func TestDetect_UnknownLanguage(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{"README.md": "# app"})
	_, err := Detect(dir)
	assert.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestDetect_MissingDir(t *testing.T) {
	t.Parallel()
	_, err := Detect(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
