package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmelo/convoy/internal/config"
	"github.com/dmelo/convoy/internal/database"
	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/health"
	"github.com/dmelo/convoy/internal/lock"
	"github.com/dmelo/convoy/internal/model"
)

type stubFleets struct {
	fleet []deploy.Instance
}

func (s *stubFleets) Fleet(_ context.Context, _ string) ([]deploy.Instance, error) {
	return s.fleet, nil
}

type stubGate struct {
	unhealthy map[string]bool
}

func (s *stubGate) CheckWithRetry(_ context.Context, spec health.Spec) health.Result {
	return health.Result{
		SpecName:  spec.Name,
		Kind:      spec.Kind,
		Target:    spec.Address,
		Healthy:   !s.unhealthy[spec.Address],
		Attempt:   1,
		CheckedAt: time.Now().UTC(),
	}
}

func verifierConfig() *config.Config {
	return &config.Config{
		VerifierEnabled:      true,
		VerifierTickInterval: time.Minute,
		VerifierLockTTL:      time.Minute,
		VerifierConcurrency:  2,
		VerifierBatchLimit:   10,
	}
}

func dueDeployment(t *testing.T, deployments *database.MemoryDeploymentRepository, target string) *model.Deployment {
	t.Helper()

	deployment := &model.Deployment{
		Target:         target,
		Version:        "v2",
		Status:         deploy.StatusSucceeded,
		VerifySchedule: "*/5 * * * *",
		VerifyEnabled:  true,
		NextVerifyAt:   time.Now().Add(-time.Minute),
		CheckSpec: health.Spec{
			Name:    "tcp-ready",
			Kind:    health.KindTCP,
			Address: "%s:8080",
		},
	}
	require.NoError(t, deployments.Create(context.Background(), deployment))
	return deployment
}

func TestTickVerifiesDueDeployment(t *testing.T) {
	deployments := database.NewMemoryDeploymentRepository()
	records := database.NewMemoryHealthCheckRepository()
	store := lock.NewMemoryStore()

	deployment := dueDeployment(t, deployments, "api")

	v := New(verifierConfig(), deployments, records, &stubFleets{fleet: []deploy.Instance{
		{ID: "i-01", Address: "10.0.0.1", Version: "v2"},
		{ID: "i-02", Address: "10.0.0.2", Version: "v2"},
	}}, &stubGate{}, store)

	v.tick(context.Background())
	v.wg.Wait()

	stored, err := records.GetByDeployment(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	updated, err := deployments.GetByID(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.False(t, updated.LastVerifiedAt.IsZero())
	assert.True(t, updated.NextVerifyAt.After(time.Now()))

	// The verification lock is released afterwards.
	holder, err := store.Holder(context.Background(), "verify:api")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestTickRecordsUnhealthyInstances(t *testing.T) {
	deployments := database.NewMemoryDeploymentRepository()
	records := database.NewMemoryHealthCheckRepository()

	deployment := dueDeployment(t, deployments, "api")

	gate := &stubGate{unhealthy: map[string]bool{"10.0.0.2:8080": true}}
	v := New(verifierConfig(), deployments, records, &stubFleets{fleet: []deploy.Instance{
		{ID: "i-01", Address: "10.0.0.1", Version: "v2"},
		{ID: "i-02", Address: "10.0.0.2", Version: "v2"},
	}}, gate, lock.NewMemoryStore())

	v.tick(context.Background())
	v.wg.Wait()

	failed, err := records.GetFailedChecks(context.Background(), deployment.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "10.0.0.2:8080", failed[0].Result.Target)
}

func TestTickSkipsTargetLockedByAnotherPod(t *testing.T) {
	deployments := database.NewMemoryDeploymentRepository()
	records := database.NewMemoryHealthCheckRepository()
	store := lock.NewMemoryStore()

	deployment := dueDeployment(t, deployments, "api")

	other := lock.New(store, "verify:api")
	acquired, err := other.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, acquired)

	v := New(verifierConfig(), deployments, records, &stubFleets{fleet: []deploy.Instance{
		{ID: "i-01", Address: "10.0.0.1", Version: "v2"},
	}}, &stubGate{}, store)

	v.tick(context.Background())
	v.wg.Wait()

	stored, err := records.GetByDeployment(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestTickSkipsDeploymentsNotDue(t *testing.T) {
	deployments := database.NewMemoryDeploymentRepository()
	records := database.NewMemoryHealthCheckRepository()

	deployment := &model.Deployment{
		Target:         "api",
		Version:        "v2",
		Status:         deploy.StatusSucceeded,
		VerifySchedule: "*/5 * * * *",
		VerifyEnabled:  true,
		NextVerifyAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, deployments.Create(context.Background(), deployment))

	v := New(verifierConfig(), deployments, records, &stubFleets{}, &stubGate{}, lock.NewMemoryStore())

	v.tick(context.Background())
	v.wg.Wait()

	stored, err := records.GetByDeployment(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
