package hub_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/hub"
	"github.com/serpent-os/federation/pkg/stone"
)

func provider(name string) []stone.Provider {
	return []stone.Provider{{Kind: stone.ProviderPackageName, Name: name}}
}

func dependency(name string) []stone.Dependency {
	return []stone.Dependency{{Kind: stone.ProviderPackageName, Name: name}}
}

func TestDAG_TopoOrdersProviderBeforeConsumer(t *testing.T) {
	vis, err := hub.NewVisibilityChecker()
	require.NoError(t, err)

	profile := hub.Profile{ID: 1, IndexURI: "https://index.example/x86_64"}

	a := hub.TaskMeta{
		Task:    hub.Task{ID: 1, Arch: "x86_64", Status: hub.TaskNew},
		Meta:    stone.Meta{Providers: provider("zlib")},
		Profile: profile,
	}
	b := hub.TaskMeta{
		Task:    hub.Task{ID: 2, Arch: "x86_64", Status: hub.TaskNew},
		Meta:    stone.Meta{Dependencies: dependency("zlib")},
		Profile: profile,
	}

	dag, err := hub.Recompute([]hub.TaskMeta{b, a}, vis)
	require.NoError(t, err)

	order, err := dag.Topo()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, order)

	avail, err := dag.Available(map[int64]hub.Task{1: a.Task, 2: b.Task})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, avail) // b has an incoming edge, not yet available
}

func TestDAG_InvisibleAcrossUnrelatedIndices(t *testing.T) {
	vis, err := hub.NewVisibilityChecker()
	require.NoError(t, err)

	a := hub.TaskMeta{
		Task:    hub.Task{ID: 1, Arch: "x86_64", Status: hub.TaskNew},
		Meta:    stone.Meta{Providers: provider("zlib")},
		Profile: hub.Profile{IndexURI: "https://a.example/x86_64"},
	}
	b := hub.TaskMeta{
		Task:    hub.Task{ID: 2, Arch: "x86_64", Status: hub.TaskNew},
		Meta:    stone.Meta{Dependencies: dependency("zlib")},
		Profile: hub.Profile{IndexURI: "https://b.example/x86_64"}, // no shared index, no remotes
	}

	dag, err := hub.Recompute([]hub.TaskMeta{a, b}, vis)
	require.NoError(t, err)
	require.Empty(t, dag.Dependents(1))

	avail, err := dag.Available(map[int64]hub.Task{1: a.Task, 2: b.Task})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2}, avail)
}

func TestDAG_TieBreaksByTaskIDAscending(t *testing.T) {
	vis, err := hub.NewVisibilityChecker()
	require.NoError(t, err)

	profile := hub.Profile{IndexURI: "https://index.example/x86_64"}
	tasks := []hub.TaskMeta{
		{Task: hub.Task{ID: 3, Arch: "x86_64", Status: hub.TaskNew}, Profile: profile},
		{Task: hub.Task{ID: 1, Arch: "x86_64", Status: hub.TaskNew}, Profile: profile},
		{Task: hub.Task{ID: 2, Arch: "x86_64", Status: hub.TaskNew}, Profile: profile},
	}

	dag, err := hub.Recompute(tasks, vis)
	require.NoError(t, err)

	byID := map[int64]hub.Task{1: tasks[1].Task, 2: tasks[2].Task, 3: tasks[0].Task}
	avail, err := dag.Available(byID)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, avail)
}
