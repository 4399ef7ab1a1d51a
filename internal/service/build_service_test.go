package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmelo/convoy/internal/database"
)

func TestRegisterBuildRequiresVersion(t *testing.T) {
	t.Parallel()

	service := NewBuildService(database.NewMemoryBuildResultRepository())

	_, err := service.Register(context.Background(), &RegisterRequest{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestRegisterBuildWithoutSource(t *testing.T) {
	t.Parallel()

	service := NewBuildService(database.NewMemoryBuildResultRepository())

	build, err := service.Register(context.Background(), &RegisterRequest{
		Version:  "v1.4.2",
		ImageRef: "registry.example.com/api:v1.4.2",
	})
	require.NoError(t, err)
	assert.Equal(t, "v1.4.2", build.Version)
	assert.Empty(t, build.Language)
	assert.False(t, build.CreatedAt.IsZero())

	fetched, err := service.GetByVersion(context.Background(), "v1.4.2")
	require.NoError(t, err)
	assert.Equal(t, build.ID, fetched.ID)
}

func TestRegisterBuildDetectsSourceTree(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/app\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	service := NewBuildService(database.NewMemoryBuildResultRepository())

	build, err := service.Register(context.Background(), &RegisterRequest{
		Version:   "v2.0.0",
		SourceDir: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, "go", build.Language)
	assert.Equal(t, "main.go", build.EntryPoint)
}

func TestRegisterBuildUnknownLanguage(t *testing.T) {
	t.Parallel()

	service := NewBuildService(database.NewMemoryBuildResultRepository())

	_, err := service.Register(context.Background(), &RegisterRequest{
		Version:   "v3.0.0",
		SourceDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}
