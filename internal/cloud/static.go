// Package cloud provides CloudTargetClient implementations: a static
// in-memory fleet for tests and local dry runs, and a command-driven
// client for script-managed fleets.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dmelo/convoy/internal/deploy"
)

// StaticClient tracks a set of named targets and their instances in
// memory. Replace and restore flip the recorded version per instance. It
// backs the local dry-run mode and tests; real fleets use a provider
// client implementing deploy.CloudTargetClient.
type StaticClient struct {
	mu     sync.RWMutex
	fleets map[string][]deploy.Instance // target -> instances
}

// NewStaticClient creates a client with no targets registered.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		fleets: make(map[string][]deploy.Instance),
	}
}

// LoadFleets creates a client from a JSON fleet file mapping target
// names to instance lists.
func LoadFleets(path string) (*StaticClient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}

	var fleets map[string][]deploy.Instance
	if err := json.Unmarshal(raw, &fleets); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file %s: %w", path, err)
	}

	client := NewStaticClient()
	for target, instances := range fleets {
		client.RegisterTarget(target, instances)
	}
	return client, nil
}

// RegisterTarget registers (or replaces) a target's fleet.
func (c *StaticClient) RegisterTarget(target string, instances []deploy.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fleets[target] = append([]deploy.Instance(nil), instances...)
}

// Fleet returns the current fleet for target. Implements the fleet
// provider port used by the deploy service.
func (c *StaticClient) Fleet(_ context.Context, target string) ([]deploy.Instance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	instances, ok := c.fleets[target]
	if !ok {
		return nil, fmt.Errorf("unknown deploy target %q", target)
	}
	return append([]deploy.Instance(nil), instances...), nil
}

// ReplaceInstances implements deploy.CloudTargetClient.
func (c *StaticClient) ReplaceInstances(_ context.Context, instances []deploy.Instance, version string) (deploy.ProvisionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result deploy.ProvisionResult
	for _, instance := range instances {
		c.setVersion(instance.ID, version)
		result.Outcomes = append(result.Outcomes, deploy.InstanceOutcome{
			InstanceID: instance.ID,
			OK:         true,
		})
	}
	return result, nil
}

// RestoreInstances implements deploy.CloudTargetClient.
func (c *StaticClient) RestoreInstances(_ context.Context, instances []deploy.Instance) (deploy.ProvisionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result deploy.ProvisionResult
	for _, instance := range instances {
		c.setVersion(instance.ID, instance.Version)
		result.Outcomes = append(result.Outcomes, deploy.InstanceOutcome{
			InstanceID: instance.ID,
			OK:         true,
		})
	}
	return result, nil
}

// setVersion updates the recorded version wherever the instance appears.
// Callers hold c.mu.
func (c *StaticClient) setVersion(instanceID, version string) {
	for target, instances := range c.fleets {
		for i := range instances {
			if instances[i].ID == instanceID {
				instances[i].Version = version
				c.fleets[target] = instances
			}
		}
	}
}
