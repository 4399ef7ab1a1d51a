package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dmelo/convoy/internal/health"
)

// HealthCheckRecord persists one probe result against the deployment it
// was gathered for. Records are immutable once written.
type HealthCheckRecord struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	DeploymentID primitive.ObjectID `json:"deployment_id" bson:"deployment_id"`
	Result       health.Result      `json:"result" bson:"result"`
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
}
