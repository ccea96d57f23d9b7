package hub

import (
	"context"
	"log/slog"
	"time"
)

// SchedulingInterval is how often the Hub re-walks its repositories for
// new commits and re-evaluates dispatch, absent any inbound message
// (spec §8 scenario 2: "after one timer tick").
const SchedulingInterval = 30 * time.Second

// message is one unit of work the worker loop processes; it is how
// HTTP handlers hand mutation work to the single serialized loop (spec
// §5 ordering guarantee a, §9 "handlers validate and enqueue; workers
// mutate").
type message func(ctx context.Context) error

// Service owns every Hub domain store and runs the single worker loop
// that serializes all DAG mutation.
type Service struct {
	Projects     *ProjectStore
	Profiles     *ProfileStore
	Repositories *RepositoryStore
	Tasks        *TaskStore
	Intake       *Intake
	Dispatcher   *Dispatcher
	Completion   *Completion
	Visibility   *VisibilityChecker
	Log          *slog.Logger

	inbox chan message
}

func NewService(projects *ProjectStore, profiles *ProfileStore, repos *RepositoryStore, tasks *TaskStore,
	intake *Intake, dispatcher *Dispatcher, completion *Completion, vis *VisibilityChecker, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Projects: projects, Profiles: profiles, Repositories: repos, Tasks: tasks,
		Intake: intake, Dispatcher: dispatcher, Completion: completion, Visibility: vis,
		Log:   log,
		inbox: make(chan message, 64),
	}
}

// Enqueue hands msg to the worker loop. Handlers call this instead of
// mutating state directly.
func (s *Service) Enqueue(msg message) {
	s.inbox <- msg
}

// Tick is the taskrunner.Work for the Hub's single worker loop: it waits
// for either an enqueued message or the scheduling timer, processing
// exactly one unit of work per call.
func (s *Service) Tick(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case msg := <-s.inbox:
		return msg(ctx)
	case <-time.After(SchedulingInterval):
		return s.schedulingPass(ctx)
	}
}

// schedulingPass re-mirrors every repository, synthesizes new tasks for
// changed commits, recomputes the DAG, and dispatches available work
// (spec §4.5 steps 1-4, §4.6 dispatch).
func (s *Service) schedulingPass(ctx context.Context) error {
	projects, err := s.Projects.List(ctx)
	if err != nil {
		return err
	}

	for _, project := range projects {
		repos, err := s.Repositories.ListByProject(ctx, project.ID)
		if err != nil {
			return err
		}
		for _, repo := range repos {
			if err := s.refreshRepository(ctx, project, repo); err != nil {
				s.Log.Error("hub: repository refresh failed", "repository", repo.Name, "error", err)
			}
		}
	}

	return s.recomputeAndDispatch(ctx)
}

func (s *Service) refreshRepository(ctx context.Context, project Project, repo Repository) error {
	if err := s.Intake.Mirror(ctx, repo); err != nil {
		return err
	}

	changed, commit, err := s.Intake.HeadChanged(ctx, repo)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := s.Intake.Reindex(ctx, repo, commit); err != nil {
		return err
	}

	profiles, err := s.Profiles.ListByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		profileDB := s.Profiles.PublishedDB(profile.ID)
		created, err := s.Intake.SynthesizeTasks(ctx, project, profile, repo, commit, profileDB)
		if err != nil {
			return err
		}
		if created > 0 {
			s.Log.Info("hub: synthesized tasks", "repository", repo.Name, "profile", profile.ID, "count", created)
		}
	}
	return nil
}

// recomputeAndDispatch rebuilds the DAG over every open task and hands
// available ones to idle builders (spec §4.6).
func (s *Service) recomputeAndDispatch(ctx context.Context) error {
	tasks, err := s.Tasks.ListOpen(ctx)
	if err != nil {
		return err
	}

	byID := make(map[int64]Task, len(tasks))
	metas := make([]TaskMeta, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t

		profile, err := s.Profiles.Get(ctx, t.ProfileID)
		if err != nil {
			return err
		}
		repoMeta, err := s.Repositories.MetaDB(t.RepositoryID).All()
		if err != nil {
			return err
		}
		meta := repoMeta[t.PackageID]
		metas = append(metas, TaskMeta{Task: t, Meta: meta, Profile: profile})
	}

	dag, err := Recompute(metas, s.Visibility)
	if err != nil {
		return err
	}

	metaByID := make(map[int64]TaskMeta, len(metas))
	for _, m := range metas {
		metaByID[m.Task.ID] = m
	}

	return s.Dispatcher.Dispatch(ctx, dag, byID, metaByID)
}
