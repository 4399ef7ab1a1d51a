package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dmelo/convoy/internal/model"
)

// BuildResultRepository handles build artifact records
type BuildResultRepository struct {
	collection *mongo.Collection
}

// NewBuildResultRepository creates a new build result repository
func NewBuildResultRepository(db *MongoDB) *BuildResultRepository {
	return &BuildResultRepository{
		collection: db.GetCollection(CollectionBuildResults),
	}
}

// Create inserts a new build record
func (r *BuildResultRepository) Create(ctx context.Context, build *model.BuildResult) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if build.ID.IsZero() {
		build.ID = primitive.NewObjectID()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}

	_, err := r.collection.InsertOne(ctxTimeout, build)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("build version %q already registered", build.Version)
		}
		return fmt.Errorf("failed to create build result: %w", err)
	}

	return nil
}

// GetByVersion retrieves a build record by its version reference
func (r *BuildResultRepository) GetByVersion(ctx context.Context, version string) (*model.BuildResult, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var build model.BuildResult
	err := r.collection.FindOne(ctxTimeout, bson.M{"version": version}).Decode(&build)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get build result: %w", err)
	}

	return &build, nil
}

// ListAll retrieves all build records, newest first
func (r *BuildResultRepository) ListAll(ctx context.Context) ([]model.BuildResult, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.collection.Find(ctxTimeout, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list build results: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var builds []model.BuildResult
	if err := cursor.All(ctxTimeout, &builds); err != nil {
		return nil, fmt.Errorf("failed to decode build results: %w", err)
	}

	return builds, nil
}
