package hub

import (
	"context"
	"fmt"

	"github.com/serpent-os/federation/pkg/stone"
	"github.com/serpent-os/federation/pkg/store"
)

// IndexFetcher retrieves a profile's published package index, the same
// newline-delimited stone.Meta wire format a repository manager's reindex
// step writes out (spec §4.6 import_succeeded: "Trigger profile refresh").
type IndexFetcher interface {
	FetchIndex(ctx context.Context, uri string) (map[string]stone.Meta, error)
}

// ImportSender forwards a successful build's collectables to the
// Repository Manager (spec §4.6 "select the unique operational repository-
// manager endpoint; send vessel/build").
type ImportSender interface {
	SendImport(ctx context.Context, repoManager store.Endpoint, taskID int64, collectables []Collectable) error
}

// Collectable is an artifact emitted by a build (spec §3).
type Collectable struct {
	Kind   string
	URI    string
	SHA256 string
}

// Completion drives the four completion-propagation transitions (spec
// §4.6). Each method issues its store writes one at a time, not inside a
// single DB transaction: an error part-way through leaves the writes
// already made in place. Callers invoke these from within the Hub's
// single-threaded worker loop so no two completions interleave (spec §5
// ordering guarantee a).
type Completion struct {
	Tasks     *TaskStore
	Profiles  *ProfileStore
	Endpoints *store.EndpointStore
	Importer  ImportSender
	Fetch     IndexFetcher
}

// BuildFailed marks task failed and blocks every dependent on its build-id
// (spec §4.6 build_failed).
func (c *Completion) BuildFailed(ctx context.Context, taskID int64, dependents []int64) error {
	t, err := c.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("hub: build failed: %w", err)
	}
	if err := c.Tasks.SetStatus(ctx, taskID, TaskFailed); err != nil {
		return fmt.Errorf("hub: build failed: %w", err)
	}
	for _, dep := range dependents {
		if err := c.Tasks.AddBlocker(ctx, dep, t.BuildID); err != nil {
			return fmt.Errorf("hub: build failed: block dependent %d: %w", dep, err)
		}
	}
	return nil
}

// BuildSucceeded sends the build's collectables to the repository manager.
// On accept the task moves to publishing; on reject (or no operational
// repository manager) it fails and propagates blockers like BuildFailed
// (spec §4.6 build_succeeded).
func (c *Completion) BuildSucceeded(ctx context.Context, taskID int64, collectables []Collectable, dependents []int64) error {
	repoManager, err := c.Endpoints.OperationalByRole(ctx, store.RoleRepositoryManager)
	if err != nil {
		return c.BuildFailed(ctx, taskID, dependents)
	}

	if err := c.Importer.SendImport(ctx, repoManager, taskID, collectables); err != nil {
		return c.BuildFailed(ctx, taskID, dependents)
	}

	return c.Tasks.SetStatus(ctx, taskID, TaskPublishing)
}

// ImportSucceeded completes the task, unblocks every dependent that has no
// remaining blockers, and triggers a profile refresh so the next DAG
// recompute sees the newly published package (spec §4.6 import_succeeded).
func (c *Completion) ImportSucceeded(ctx context.Context, taskID int64, dependents []int64) error {
	t, err := c.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("hub: import succeeded: %w", err)
	}
	if err := c.Tasks.SetStatus(ctx, taskID, TaskCompleted); err != nil {
		return fmt.Errorf("hub: import succeeded: %w", err)
	}
	for _, dep := range dependents {
		if err := c.Tasks.RemoveBlocker(ctx, dep, t.BuildID); err != nil {
			return fmt.Errorf("hub: import succeeded: unblock dependent %d: %w", dep, err)
		}
	}
	if err := c.refreshProfile(ctx, t.ProfileID); err != nil {
		return fmt.Errorf("hub: import succeeded: refresh profile: %w", err)
	}
	return nil
}

// refreshProfile re-fetches profile id's published remote index and
// rebuilds its published-metadata DB from the result, so FindByProvider
// sees the package this import just published (spec §4.5 step 4).
func (c *Completion) refreshProfile(ctx context.Context, profileID int64) error {
	if c.Profiles == nil || c.Fetch == nil {
		return nil
	}
	profile, err := c.Profiles.Get(ctx, profileID)
	if err != nil {
		return err
	}
	if profile.IndexURI == "" {
		return nil
	}
	packages, err := c.Fetch.FetchIndex(ctx, profile.IndexURI)
	if err != nil {
		return err
	}
	return c.Profiles.Refresh(ctx, profileID, packages)
}

// ImportFailed mirrors BuildFailed for a rejected import (spec §4.6
// import_failed).
func (c *Completion) ImportFailed(ctx context.Context, taskID int64, dependents []int64) error {
	return c.BuildFailed(ctx, taskID, dependents)
}
