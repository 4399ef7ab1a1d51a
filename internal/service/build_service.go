package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dmelo/convoy/internal/buildspec"
	"github.com/dmelo/convoy/internal/model"
)

// BuildService registers artifact records that deploy requests are
// validated against. A version must be registered here before it can
// be deployed.
type BuildService struct {
	builds BuildResultRepository
}

// NewBuildService creates a build service.
func NewBuildService(builds BuildResultRepository) *BuildService {
	return &BuildService{builds: builds}
}

// RegisterRequest registers an artifact version. SourceDir is optional;
// when set, the source tree is inspected and the detected build metadata
// is stored alongside the version.
type RegisterRequest struct {
	Version   string `json:"version"`
	ImageRef  string `json:"image_ref,omitempty"`
	SourceDir string `json:"source_dir,omitempty"`
}

// Register records a build artifact.
func (s *BuildService) Register(ctx context.Context, req *RegisterRequest) (*model.BuildResult, error) {
	if req.Version == "" {
		return nil, &ValidationError{Reason: "build version is required"}
	}

	build := &model.BuildResult{
		ID:        primitive.NewObjectID(),
		Version:   req.Version,
		ImageRef:  req.ImageRef,
		CreatedAt: time.Now().UTC(),
	}

	if req.SourceDir != "" {
		spec, err := buildspec.Detect(req.SourceDir)
		if err != nil {
			if errors.Is(err, buildspec.ErrUnknownLanguage) {
				return nil, &ValidationError{Reason: fmt.Sprintf("source tree %s: %v", req.SourceDir, err)}
			}
			return nil, fmt.Errorf("failed to detect build spec: %w", err)
		}
		build.Language = spec.Language
		build.Framework = spec.Framework
		build.PackageManager = spec.PackageManager
		build.EntryPoint = spec.EntryPoint
	}

	if err := build.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := s.builds.Create(ctx, build); err != nil {
		return nil, err
	}
	return build, nil
}

// GetByVersion fetches one registered build.
func (s *BuildService) GetByVersion(ctx context.Context, version string) (*model.BuildResult, error) {
	if version == "" {
		return nil, &ValidationError{Reason: "build version is required"}
	}
	return s.builds.GetByVersion(ctx, version)
}

// List returns all registered builds, newest first.
func (s *BuildService) List(ctx context.Context) ([]model.BuildResult, error) {
	return s.builds.ListAll(ctx)
}
