package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmelo/convoy/internal/health"
)

// fakeCloud tracks instance versions in memory and records every call.
type fakeCloud struct {
	mu           sync.Mutex
	versions     map[string]string // instance id -> running version
	replaceCalls [][]string
	restoreCalls [][]Instance
	replaceErr   error
	failInstance map[string]string // instance id -> provisioning error
}

func newFakeCloud(fleet []Instance) *fakeCloud {
	versions := make(map[string]string, len(fleet))
	for _, instance := range fleet {
		versions[instance.ID] = instance.Version
	}
	return &fakeCloud{
		versions:     versions,
		failInstance: make(map[string]string),
	}
}

func (f *fakeCloud) ReplaceInstances(_ context.Context, instances []Instance, version string) (ProvisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.replaceErr != nil {
		return ProvisionResult{}, f.replaceErr
	}

	f.replaceCalls = append(f.replaceCalls, instanceIDs(instances))
	var result ProvisionResult
	for _, instance := range instances {
		if msg, ok := f.failInstance[instance.ID]; ok {
			result.Outcomes = append(result.Outcomes, InstanceOutcome{InstanceID: instance.ID, Error: msg})
			continue
		}
		f.versions[instance.ID] = version
		result.Outcomes = append(result.Outcomes, InstanceOutcome{InstanceID: instance.ID, OK: true})
	}
	return result, nil
}

func (f *fakeCloud) RestoreInstances(_ context.Context, instances []Instance) (ProvisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.restoreCalls = append(f.restoreCalls, instances)
	var result ProvisionResult
	for _, instance := range instances {
		f.versions[instance.ID] = instance.Version
		result.Outcomes = append(result.Outcomes, InstanceOutcome{InstanceID: instance.ID, OK: true})
	}
	return result, nil
}

func (f *fakeCloud) versionOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[id]
}

// fakeGate returns a scripted verdict per target address.
type fakeGate struct {
	mu        sync.Mutex
	unhealthy map[string]string // target address -> diagnostic
}

func (g *fakeGate) CheckWithRetry(_ context.Context, spec health.Spec) health.Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := health.Result{
		Kind:      spec.Kind,
		Target:    spec.Address,
		Healthy:   true,
		CheckedAt: time.Now().UTC(),
		Attempt:   1,
	}
	if diagnostic, ok := g.unhealthy[spec.Address]; ok {
		result.Healthy = false
		result.Diagnostic = diagnostic
		result.Attempt = spec.Retries
	}
	return result
}

// fakeOwnership reports held until the remaining count is used up.
type fakeOwnership struct {
	mu        sync.Mutex
	remaining int
	always    bool
}

func heldForever() *fakeOwnership { return &fakeOwnership{always: true} }

func heldForChecks(n int) *fakeOwnership { return &fakeOwnership{remaining: n} }

func (o *fakeOwnership) IsHeldByUs(context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.always {
		return true, nil
	}
	if o.remaining > 0 {
		o.remaining--
		return true, nil
	}
	return false, nil
}

func testFleet(n int) []Instance {
	fleet := make([]Instance, n)
	for i := range fleet {
		fleet[i] = Instance{
			ID:      fmt.Sprintf("i-%02d", i+1),
			Address: fmt.Sprintf("10.0.0.%d", i+1),
			Version: "v1",
		}
	}
	return fleet
}

func tcpSpec() health.Spec {
	return health.Spec{Kind: health.KindTCP, Address: "%s:8080", Retries: 3}
}

func TestPartition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fleetSize int
		cfg       Config
		want      [][]string
	}{
		{
			name:      "fixed_size_with_remainder",
			fleetSize: 5,
			cfg:       Config{BatchSize: 2},
			want:      [][]string{{"i-01", "i-02"}, {"i-03", "i-04"}, {"i-05"}},
		},
		{
			name:      "size_larger_than_fleet_clamps",
			fleetSize: 3,
			cfg:       Config{BatchSize: 10},
			want:      [][]string{{"i-01", "i-02", "i-03"}},
		},
		{
			name:      "fraction_rounds_up",
			fleetSize: 5,
			cfg:       Config{BatchFraction: 0.5},
			want:      [][]string{{"i-01", "i-02", "i-03"}, {"i-04", "i-05"}},
		},
		{
			name:      "zero_config_is_one_batch",
			fleetSize: 4,
			cfg:       Config{},
			want:      [][]string{{"i-01", "i-02", "i-03", "i-04"}},
		},
		{
			name:      "empty_fleet",
			fleetSize: 0,
			cfg:       Config{BatchSize: 2},
			want:      nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			batches := Partition(testFleet(tt.fleetSize), tt.cfg)
			require.Len(t, batches, len(tt.want))
			for i, batch := range batches {
				assert.Equal(t, i+1, batch.Number)
				assert.Equal(t, tt.want[i], instanceIDs(batch.Instances))
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := Config{BatchSize: 2, CheckSpec: health.Spec{Kind: health.KindTCP, Address: "%s:8080"}}
	require.NoError(t, valid.Validate())

	both := Config{BatchSize: 2, BatchFraction: 0.5, CheckSpec: valid.CheckSpec}
	assert.ErrorContains(t, both.Validate(), "mutually exclusive")

	badFraction := Config{BatchFraction: 1.5, CheckSpec: valid.CheckSpec}
	assert.ErrorContains(t, badFraction.Validate(), "between 0 and 1")
}

func TestDeploy_AllBatchesHealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fleet := testFleet(5)
	cloud := newFakeCloud(fleet)
	deployer := NewRollingDeployer(cloud, &fakeGate{})

	result := deployer.Deploy(ctx, heldForever(), fleet, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	require.Equal(t, StatusSucceeded, result.Status)
	assert.True(t, result.Status.Terminal())
	require.Len(t, result.Batches, 3, "5 instances at batch size 2 make batches of 2,2,1")
	assert.Len(t, result.Batches[0].InstanceIDs, 2)
	assert.Len(t, result.Batches[1].InstanceIDs, 2)
	assert.Len(t, result.Batches[2].InstanceIDs, 1)
	for _, outcome := range result.Batches {
		assert.True(t, outcome.Healthy)
		assert.Empty(t, outcome.Error)
	}
	assert.Len(t, result.Checks, 5)
	assert.Empty(t, result.FailedChecks())
	assert.Empty(t, cloud.restoreCalls)
	for _, instance := range fleet {
		assert.Equal(t, "v2", cloud.versionOf(instance.ID))
	}
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestDeploy_EmptyFleetIsNoOpSuccess(t *testing.T) {
	t.Parallel()

	cloud := newFakeCloud(nil)
	deployer := NewRollingDeployer(cloud, &fakeGate{})
	result := deployer.Deploy(context.Background(), heldForever(), nil, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Empty(t, result.Batches)
	assert.Empty(t, cloud.replaceCalls)
}

func TestDeploy_HealthFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fleet := testFleet(5)
	cloud := newFakeCloud(fleet)
	// Third instance (first of batch 2) never becomes healthy.
	gate := &fakeGate{unhealthy: map[string]string{"10.0.0.3:8080": "status 503 outside expected range 200-299"}}
	deployer := NewRollingDeployer(cloud, gate)

	result := deployer.Deploy(ctx, heldForever(), fleet, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	require.Equal(t, StatusRolledBack, result.Status)
	assert.Contains(t, result.RollbackReason, "10.0.0.3:8080")
	assert.Contains(t, result.RollbackReason, "batch 2")
	assert.Contains(t, result.RollbackReason, "503")

	// Batch 1 succeeded, batch 2 failed, batch 3 never ran.
	require.Len(t, result.Batches, 2)
	assert.True(t, result.Batches[0].Healthy)
	assert.False(t, result.Batches[1].Healthy)
	assert.NotEmpty(t, result.FailedChecks())

	// Both updated batches restored, newest first, to their previous
	// versions.
	require.Len(t, cloud.restoreCalls, 2)
	assert.Equal(t, []string{"i-03", "i-04"}, instanceIDs(cloud.restoreCalls[0]))
	assert.Equal(t, []string{"i-01", "i-02"}, instanceIDs(cloud.restoreCalls[1]))
	for _, instance := range fleet[:4] {
		assert.Equal(t, "v1", cloud.versionOf(instance.ID))
	}
	// Untouched instance keeps its version.
	assert.Equal(t, "v1", cloud.versionOf("i-05"))
}

func TestDeploy_RollbackRestoresHeterogeneousVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A partially-completed earlier rollout left the fleet on mixed
	// versions; rollback must restore each instance to its own.
	fleet := testFleet(4)
	fleet[0].Version = "v0"
	fleet[1].Version = "v1"
	fleet[2].Version = "v1"
	fleet[3].Version = "v0"

	cloud := newFakeCloud(fleet)
	gate := &fakeGate{unhealthy: map[string]string{"10.0.0.4:8080": "dial failed"}}
	deployer := NewRollingDeployer(cloud, gate)

	result := deployer.Deploy(ctx, heldForever(), fleet, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	require.Equal(t, StatusRolledBack, result.Status)
	assert.Equal(t, "v0", cloud.versionOf("i-01"))
	assert.Equal(t, "v1", cloud.versionOf("i-02"))
	assert.Equal(t, "v1", cloud.versionOf("i-03"))
	assert.Equal(t, "v0", cloud.versionOf("i-04"))
}

func TestDeploy_LockLostMidRollout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fleet := testFleet(5)
	cloud := newFakeCloud(fleet)
	deployer := NewRollingDeployer(cloud, &fakeGate{})

	// Ownership holds for the first batch boundary only.
	result := deployer.Deploy(ctx, heldForChecks(1), fleet, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	require.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.RollbackReason, "lock lost")

	// Best-effort rollback of the one applied batch.
	require.Len(t, cloud.restoreCalls, 1)
	assert.Equal(t, []string{"i-01", "i-02"}, instanceIDs(cloud.restoreCalls[0]))
	assert.Equal(t, "v1", cloud.versionOf("i-01"))

	// No further batches were advanced.
	require.Len(t, cloud.replaceCalls, 1)
}

func TestDeploy_ProvisioningErrorBeforeAnyChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fleet := testFleet(4)
	cloud := newFakeCloud(fleet)
	cloud.replaceErr = errors.New("capacity exhausted in zone")
	deployer := NewRollingDeployer(cloud, &fakeGate{})

	result := deployer.Deploy(ctx, heldForever(), fleet, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	require.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.RollbackReason, "capacity exhausted")
	assert.Empty(t, cloud.restoreCalls, "nothing changed, nothing to roll back")
}

func TestDeploy_ProvisioningErrorAfterPartialChangeRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fleet := testFleet(4)
	cloud := newFakeCloud(fleet)
	// First batch provisions cleanly; in the second batch i-03 fails.
	cloud.failInstance["i-03"] = "instance terminated unexpectedly"
	deployer := NewRollingDeployer(cloud, &fakeGate{})

	result := deployer.Deploy(ctx, heldForever(), fleet, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	require.Equal(t, StatusRolledBack, result.Status)
	assert.Contains(t, result.RollbackReason, "i-03")

	// Batch 1 and the provisioned part of batch 2 are restored.
	require.Len(t, cloud.restoreCalls, 2)
	assert.Equal(t, []string{"i-04"}, instanceIDs(cloud.restoreCalls[0]))
	assert.Equal(t, []string{"i-01", "i-02"}, instanceIDs(cloud.restoreCalls[1]))
	for _, id := range []string{"i-01", "i-02", "i-04"} {
		assert.Equal(t, "v1", cloud.versionOf(id))
	}
}

func TestDeploy_CancellationForcesRollback(t *testing.T) {
	t.Parallel()

	fleet := testFleet(4)
	cloud := newFakeCloud(fleet)
	deployer := NewRollingDeployer(cloud, &fakeGate{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := deployer.Deploy(ctx, heldForever(), fleet, "v2", Config{BatchSize: 2, CheckSpec: tcpSpec()})

	require.Equal(t, StatusRolledBack, result.Status)
	assert.Contains(t, result.RollbackReason, "cancelled")
	assert.Empty(t, cloud.replaceCalls)
}
