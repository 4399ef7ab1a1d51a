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

	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// DeploymentRepository handles deployment persistence
type DeploymentRepository struct {
	collection *mongo.Collection
}

// NewDeploymentRepository creates a new deployment repository
func NewDeploymentRepository(db *MongoDB) *DeploymentRepository {
	return &DeploymentRepository{
		collection: db.GetCollection(CollectionDeployments),
	}
}

// Create inserts a new deployment record
func (r *DeploymentRepository) Create(ctx context.Context, deployment *model.Deployment) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if deployment.ID.IsZero() {
		deployment.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = now
	}
	deployment.UpdatedAt = now

	_, err := r.collection.InsertOne(ctxTimeout, deployment)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}

	return nil
}

// GetByID retrieves a deployment by its id
func (r *DeploymentRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*model.Deployment, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var deployment model.Deployment
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&deployment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return &deployment, nil
}

// GetLatestForTarget retrieves the most recent deployment for a target
func (r *DeploymentRepository) GetLatestForTarget(ctx context.Context, target string) (*model.Deployment, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var deployment model.Deployment
	err := r.collection.FindOne(ctxTimeout, bson.M{"target": target}, opts).Decode(&deployment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest deployment: %w", err)
	}

	return &deployment, nil
}

// List retrieves deployments, optionally filtered by target, newest first
func (r *DeploymentRepository) List(ctx context.Context, target string, page, limit int) ([]model.Deployment, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{}
	if target != "" {
		filter["target"] = target
	}

	total, err := r.collection.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count deployments: %w", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var deployments []model.Deployment
	if err := cursor.All(ctxTimeout, &deployments); err != nil {
		return nil, 0, fmt.Errorf("failed to decode deployments: %w", err)
	}

	return deployments, total, nil
}

// UpdateResult stores the terminal rollout result on a deployment
func (r *DeploymentRepository) UpdateResult(ctx context.Context, id primitive.ObjectID, result *deploy.Result) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"status":     result.Status,
			"result":     result,
			"updated_at": time.Now().UTC(),
		},
	}

	res, err := r.collection.UpdateOne(ctxTimeout, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update deployment result: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDueForVerification finds deployments whose verification schedule has
// come due
func (r *DeploymentRepository) ListDueForVerification(ctx context.Context, now time.Time, limit int) ([]model.Deployment, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"verify_enabled": true,
		"status":         deploy.StatusSucceeded,
		"next_verify_at": bson.M{"$lte": now},
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "next_verify_at", Value: 1}})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments due for verification: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var deployments []model.Deployment
	if err := cursor.All(ctxTimeout, &deployments); err != nil {
		return nil, fmt.Errorf("failed to decode deployments: %w", err)
	}

	return deployments, nil
}

// UpdateVerification records a verification run and schedules the next one
func (r *DeploymentRepository) UpdateVerification(ctx context.Context, id primitive.ObjectID, verifiedAt, nextVerifyAt time.Time) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"last_verified_at": verifiedAt,
			"next_verify_at":   nextVerifyAt,
			"updated_at":       time.Now().UTC(),
		},
	}

	res, err := r.collection.UpdateOne(ctxTimeout, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}
