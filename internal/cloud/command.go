package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/dmelo/convoy/internal/deploy"
)

// CommandClient drives fleets managed by deployment scripts: it executes
// a configured command per instance with the instance address and version
// appended as arguments. A non-zero exit marks that instance's
// provisioning as failed; the remaining instances are still attempted so
// the caller sees the full per-instance picture.
type CommandClient struct {
	replaceCmd []string
	restoreCmd []string
	timeout    time.Duration
}

// NewCommandClient creates a client around the given replace/restore
// command argv prefixes.
func NewCommandClient(replaceCmd, restoreCmd []string, timeout time.Duration) *CommandClient {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &CommandClient{
		replaceCmd: replaceCmd,
		restoreCmd: restoreCmd,
		timeout:    timeout,
	}
}

// ReplaceInstances implements deploy.CloudTargetClient.
func (c *CommandClient) ReplaceInstances(ctx context.Context, instances []deploy.Instance, version string) (deploy.ProvisionResult, error) {
	if len(c.replaceCmd) == 0 {
		return deploy.ProvisionResult{}, fmt.Errorf("no replace command configured")
	}
	return c.runPerInstance(ctx, c.replaceCmd, instances, func(deploy.Instance) string { return version }), nil
}

// RestoreInstances implements deploy.CloudTargetClient.
func (c *CommandClient) RestoreInstances(ctx context.Context, instances []deploy.Instance) (deploy.ProvisionResult, error) {
	if len(c.restoreCmd) == 0 {
		return deploy.ProvisionResult{}, fmt.Errorf("no restore command configured")
	}
	return c.runPerInstance(ctx, c.restoreCmd, instances, func(instance deploy.Instance) string { return instance.Version }), nil
}

func (c *CommandClient) runPerInstance(ctx context.Context, argv []string, instances []deploy.Instance, versionFor func(deploy.Instance) string) deploy.ProvisionResult {
	var result deploy.ProvisionResult

	for _, instance := range instances {
		version := versionFor(instance)
		outcome := deploy.InstanceOutcome{InstanceID: instance.ID}

		cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
		args := append(append([]string(nil), argv[1:]...), instance.Address, version)
		cmd := exec.CommandContext(cmdCtx, argv[0], args...)
		output, err := cmd.CombinedOutput()
		cancel()

		if err != nil {
			outcome.Error = fmt.Sprintf("%v: %s", err, truncate(string(output), 512))
			slog.Error("Provisioning command failed",
				"instance_id", instance.ID,
				"address", instance.Address,
				"version", version,
				"error", err,
			)
		} else {
			outcome.OK = true
			slog.Debug("Provisioning command succeeded",
				"instance_id", instance.ID,
				"address", instance.Address,
				"version", version,
			)
		}

		result.Outcomes = append(result.Outcomes, outcome)
	}

	return result
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
