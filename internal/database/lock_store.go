package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// deployLock is the persisted shape of one lease.
type deployLock struct {
	Key       string    `bson:"key"`
	Token     string    `bson:"token"`
	LockedAt  time.Time `bson:"locked_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// LockStore is the MongoDB-backed lock store. Each operation is a single
// atomic command, so a compare never races its own write: acquisition is a
// FindOneAndUpdate upsert guarded by an expiry filter, release is a
// conditional DeleteOne, extension is a conditional UpdateOne. The unique
// index on key plus the TTL index on expires_at (see indexes.go) enforce
// at most one live lease per key even if a holder crashes.
type LockStore struct {
	collection *mongo.Collection
}

// NewLockStore creates a lock store over the deploy_locks collection.
func NewLockStore(db *MongoDB) *LockStore {
	return &LockStore{
		collection: db.GetCollection(CollectionDeployLocks),
	}
}

// AcquireIfAbsent sets key to token only when the key is absent or its
// lease has expired.
func (s *LockStore) AcquireIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()

	filter := bson.M{
		"key": key,
		"$or": []bson.M{
			{"expires_at": bson.M{"$lt": now}},
			{"expires_at": bson.M{"$exists": false}},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"key":        key,
			"token":      token,
			"locked_at":  now,
			"expires_at": now.Add(ttl),
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result deployLock
	err := s.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Held by another token and not yet expired.
			return false, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			// A concurrent holder won the upsert race on the unique key
			// index.
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if result.Token != token {
		return false, nil
	}

	slog.Debug("Acquired deploy lock",
		"key", key,
		"expires_at", result.ExpiresAt,
	)

	return true, nil
}

// CompareAndDelete removes the lease only when it is still held by token.
func (s *LockStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"key":        key,
		"token":      token,
		"expires_at": bson.M{"$gte": time.Now().UTC()},
	}

	result, err := s.collection.DeleteOne(ctxTimeout, filter)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	return result.DeletedCount > 0, nil
}

// CompareAndExtend resets the lease TTL only when it is still held by
// token.
func (s *LockStore) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{
		"key":        key,
		"token":      token,
		"expires_at": bson.M{"$gte": now},
	}

	update := bson.M{
		"$set": bson.M{
			"expires_at": now.Add(ttl),
		},
	}

	result, err := s.collection.UpdateOne(ctxTimeout, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}

	return result.MatchedCount > 0, nil
}

// Holder returns the token currently holding key, or empty when unheld.
func (s *LockStore) Holder(ctx context.Context, key string) (string, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"key":        key,
		"expires_at": bson.M{"$gte": time.Now().UTC()},
	}

	var result deployLock
	err := s.collection.FindOne(ctxTimeout, filter).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect lock: %w", err)
	}

	return result.Token, nil
}

// CleanExpiredLocks removes leases whose expiry has passed. The TTL index
// does this eventually; the verifier calls it on each tick so a crashed
// holder's lease never outlives a tick by much.
func (s *LockStore) CleanExpiredLocks(ctx context.Context) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"expires_at": bson.M{"$lt": time.Now().UTC()},
	}

	result, err := s.collection.DeleteMany(ctxTimeout, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired locks: %w", err)
	}

	if result.DeletedCount > 0 {
		slog.Info("Cleaned expired deploy locks",
			"count", result.DeletedCount,
		)
	}

	return result.DeletedCount, nil
}
