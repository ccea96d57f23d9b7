package hub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/serpent-os/federation/pkg/audit"
	"github.com/serpent-os/federation/pkg/store"
)

// BuildSender sends a build request to a builder endpoint and reports
// whether the builder accepted it (spec §4.6 Dispatch: "send-success" vs
// "send-failure"). ClientSender (senders.go) is the production
// implementation, calling avalanche/build through the client package.
type BuildSender interface {
	SendBuild(ctx context.Context, builder store.Endpoint, req PackageBuild) error
}

// PackageBuild is the avalanche/build request payload (spec §6).
type PackageBuild struct {
	BuildID      string
	URI          string
	CommitRef    string
	RelativePath string
	Architecture string
	Collections  []Remote
}

// Dispatcher draws available tasks and assigns them to idle builders.
type Dispatcher struct {
	Tasks     *TaskStore
	Endpoints *store.EndpointStore
	Sender    BuildSender
	Log       *slog.Logger
}

// Dispatch iterates idle builders and the available-task front, sending
// one build per (builder, task) pair until either is exhausted (spec
// §4.6 Dispatch).
func (d *Dispatcher) Dispatch(ctx context.Context, dag *DAG, byID map[int64]Task, meta map[int64]TaskMeta) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	builders, err := d.Endpoints.IdleBuilders(ctx)
	if err != nil {
		return fmt.Errorf("hub: dispatch: list idle builders: %w", err)
	}

	available, err := dag.Available(byID)
	if err != nil {
		return fmt.Errorf("hub: dispatch: %w", err)
	}

	bi := 0
	for _, taskID := range available {
		if bi >= len(builders) {
			break
		}
		tm, ok := meta[taskID]
		if !ok {
			continue
		}

		sent := false
		for ; bi < len(builders); bi++ {
			builder := builders[bi]
			req := PackageBuild{
				BuildID:      tm.Task.BuildID,
				URI:          tm.Meta.URI,
				CommitRef:    tm.Task.CommitRef,
				RelativePath: tm.Task.SourcePath,
				Architecture: tm.Task.Arch,
				Collections:  tm.Profile.Remotes,
			}
			if fp, ferr := audit.Fingerprint(req); ferr == nil {
				log.Debug("hub: dispatch: sending build", "task", tm.Task.BuildID, "builder", builder.ID, "fingerprint", fp)
			}
			if err := d.Sender.SendBuild(ctx, builder, req); err != nil {
				log.Warn("hub: dispatch: send failed, trying next builder", "task", tm.Task.BuildID, "builder", builder.ID, "error", err)
				continue
			}

			if err := d.Tasks.SetStatus(ctx, tm.Task.ID, TaskBuilding); err != nil {
				return fmt.Errorf("hub: dispatch: mark building: %w", err)
			}
			if err := d.Tasks.SetAllocatedBuilder(ctx, tm.Task.ID, builder.ID); err != nil {
				return fmt.Errorf("hub: dispatch: record builder: %w", err)
			}
			if err := d.Endpoints.SetWorkStatus(ctx, builder.ID, store.WorkRunning); err != nil {
				return fmt.Errorf("hub: dispatch: mark builder running: %w", err)
			}

			sent = true
			bi++
			break
		}
		if !sent {
			// Builders exhausted; stop trying further tasks too.
			break
		}
	}

	return nil
}
