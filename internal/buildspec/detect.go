// Package buildspec inspects a source tree and produces the build
// specification an upstream image build consumes. Detection is rule
// based: marker files identify the language, package manager and entry
// point. The deployment engine itself only ever sees the resulting
// opaque version reference.
package buildspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Spec is the detected build specification for a source tree.
type Spec struct {
	Language       string `json:"language"`
	Framework      string `json:"framework,omitempty"`
	PackageManager string `json:"package_manager,omitempty"`
	EntryPoint     string `json:"entry_point,omitempty"`
}

// ErrUnknownLanguage is returned when no marker file matches.
var ErrUnknownLanguage = errors.New("could not detect source language")

type rule struct {
	marker   string
	detector func(dir string) (Spec, error)
}

// Ordered: the first matching marker wins.
var rules = []rule{
	{"go.mod", detectGo},
	{"package.json", detectNode},
	{"requirements.txt", detectPython},
	{"pyproject.toml", detectPython},
	{"pom.xml", func(string) (Spec, error) {
		return Spec{Language: "java", PackageManager: "maven"}, nil
	}},
	{"build.gradle", func(string) (Spec, error) {
		return Spec{Language: "java", PackageManager: "gradle"}, nil
	}},
	{"Cargo.toml", func(string) (Spec, error) {
		return Spec{Language: "rust", PackageManager: "cargo", EntryPoint: "src/main.rs"}, nil
	}},
	{"Gemfile", func(string) (Spec, error) {
		return Spec{Language: "ruby", PackageManager: "bundler"}, nil
	}},
}

// Detect inspects dir and returns its build specification.
func Detect(dir string) (Spec, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Spec{}, fmt.Errorf("failed to inspect source tree: %w", err)
	}
	if !info.IsDir() {
		return Spec{}, fmt.Errorf("%s is not a directory", dir)
	}

	for _, r := range rules {
		if _, err := os.Stat(filepath.Join(dir, r.marker)); err == nil {
			return r.detector(dir)
		}
	}

	return Spec{}, ErrUnknownLanguage
}

func detectGo(dir string) (Spec, error) {
	spec := Spec{Language: "go", PackageManager: "go modules"}

	if _, err := os.Stat(filepath.Join(dir, "main.go")); err == nil {
		spec.EntryPoint = "main.go"
		return spec, nil
	}

	// Conventional cmd/<name>/main.go layout.
	entries, err := os.ReadDir(filepath.Join(dir, "cmd"))
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			candidate := filepath.Join("cmd", entry.Name(), "main.go")
			if _, err := os.Stat(filepath.Join(dir, candidate)); err == nil {
				spec.EntryPoint = candidate
				break
			}
		}
	}

	return spec, nil
}

func detectNode(dir string) (Spec, error) {
	spec := Spec{Language: "javascript", PackageManager: "npm"}

	if _, err := os.Stat(filepath.Join(dir, "yarn.lock")); err == nil {
		spec.PackageManager = "yarn"
	} else if _, err := os.Stat(filepath.Join(dir, "pnpm-lock.yaml")); err == nil {
		spec.PackageManager = "pnpm"
	}

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return spec, nil
	}

	var pkg struct {
		Main         string            `json:"main"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return spec, nil
	}

	spec.EntryPoint = pkg.Main
	switch {
	case pkg.Dependencies["next"] != "":
		spec.Framework = "nextjs"
	case pkg.Dependencies["express"] != "":
		spec.Framework = "express"
	case pkg.Dependencies["fastify"] != "":
		spec.Framework = "fastify"
	}

	return spec, nil
}

func detectPython(dir string) (Spec, error) {
	spec := Spec{Language: "python", PackageManager: "pip"}

	if _, err := os.Stat(filepath.Join(dir, "pyproject.toml")); err == nil {
		if _, err := os.Stat(filepath.Join(dir, "poetry.lock")); err == nil {
			spec.PackageManager = "poetry"
		}
	}

	for _, entry := range []string{"main.py", "app.py", "manage.py"} {
		if _, err := os.Stat(filepath.Join(dir, entry)); err == nil {
			spec.EntryPoint = entry
			break
		}
	}
	if spec.EntryPoint == "manage.py" {
		spec.Framework = "django"
	}

	return spec, nil
}
