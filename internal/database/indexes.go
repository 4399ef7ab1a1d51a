package database

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates all necessary indexes for the collections
func CreateIndexes(ctx context.Context, db *MongoDB) error {
	slog.Info("Creating MongoDB indexes")

	if err := createDeploymentIndexes(ctx, db); err != nil {
		return err
	}

	if err := createBuildResultIndexes(ctx, db); err != nil {
		return err
	}

	if err := createHealthCheckRecordIndexes(ctx, db); err != nil {
		return err
	}

	if err := createDeployLockIndexes(ctx, db); err != nil {
		return err
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createDeploymentIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionDeployments)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "target", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_target_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_status_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "verify_enabled", Value: 1},
				{Key: "next_verify_at", Value: 1},
			},
			Options: options.Index().SetName("idx_verify_enabled_next_verify_at"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created deployments indexes")
	return nil
}

func createBuildResultIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionBuildResults)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_version_unique"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_created_at"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created build_results indexes")
	return nil
}

func createHealthCheckRecordIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionHealthCheckRecords)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "deployment_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_deployment_id_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "deployment_id", Value: 1},
				{Key: "result.healthy", Value: 1},
			},
			Options: options.Index().SetName("idx_deployment_id_healthy"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created health_check_records indexes")
	return nil
}

func createDeployLockIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionDeployLocks)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_key_unique"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_expires_at_ttl"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created deploy_locks indexes")
	return nil
}
