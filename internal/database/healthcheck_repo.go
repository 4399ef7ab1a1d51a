package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dmelo/convoy/internal/model"
)

// HealthCheckRepository persists probe results gathered during rollouts
// and verification runs
type HealthCheckRepository struct {
	collection *mongo.Collection
}

// NewHealthCheckRepository creates a new health check repository
func NewHealthCheckRepository(db *MongoDB) *HealthCheckRepository {
	return &HealthCheckRepository{
		collection: db.GetCollection(CollectionHealthCheckRecords),
	}
}

// Create inserts probe records for a deployment
func (r *HealthCheckRepository) Create(ctx context.Context, records []model.HealthCheckRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	docs := make([]interface{}, len(records))
	now := time.Now().UTC()
	for i := range records {
		if records[i].ID.IsZero() {
			records[i].ID = primitive.NewObjectID()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
		docs[i] = records[i]
	}

	_, err := r.collection.InsertMany(ctxTimeout, docs)
	if err != nil {
		return fmt.Errorf("failed to create health check records: %w", err)
	}

	return nil
}

// GetByDeployment retrieves all probe records for a deployment
func (r *HealthCheckRepository) GetByDeployment(ctx context.Context, deploymentID primitive.ObjectID) ([]model.HealthCheckRecord, error) {
	return r.find(ctx, bson.M{"deployment_id": deploymentID})
}

// GetFailedChecks retrieves the unhealthy probe records for a deployment
func (r *HealthCheckRepository) GetFailedChecks(ctx context.Context, deploymentID primitive.ObjectID) ([]model.HealthCheckRecord, error) {
	return r.find(ctx, bson.M{
		"deployment_id":  deploymentID,
		"result.healthy": false,
	})
}

func (r *HealthCheckRepository) find(ctx context.Context, filter bson.M) ([]model.HealthCheckRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list health check records: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var records []model.HealthCheckRecord
	if err := cursor.All(ctxTimeout, &records); err != nil {
		return nil, fmt.Errorf("failed to decode health check records: %w", err)
	}

	return records, nil
}
