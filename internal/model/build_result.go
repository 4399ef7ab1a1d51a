package model

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BuildResult is the artifact record produced by an upstream build step.
// The engine treats Version as an opaque reference it hands to the cloud
// client; the build metadata is carried for operators.
type BuildResult struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Version        string             `json:"version" bson:"version"`
	ImageRef       string             `json:"image_ref,omitempty" bson:"image_ref,omitempty"`
	Language       string             `json:"language,omitempty" bson:"language,omitempty"`
	Framework      string             `json:"framework,omitempty" bson:"framework,omitempty"`
	PackageManager string             `json:"package_manager,omitempty" bson:"package_manager,omitempty"`
	EntryPoint     string             `json:"entry_point,omitempty" bson:"entry_point,omitempty"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
}

// Validate validates the build record.
func (b *BuildResult) Validate() error {
	if b.Version == "" {
		return errors.New("build version is required")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}
