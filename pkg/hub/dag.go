package hub

import (
	"fmt"

	"github.com/serpent-os/federation/pkg/stone"
)

// TaskMeta pairs an open Task with the stone metadata it was synthesized
// from and the profile it targets, the inputs the DAG needs (spec §4.6).
type TaskMeta struct {
	Task    Task
	Meta    stone.Meta
	Profile Profile
}

// DAG is the recomputed dependency graph over currently open tasks.
// Nodes are task ids; edges point from a provider task to the consumer
// task that depends on it (spec §4.6).
type DAG struct {
	nodes []int64
	edges map[int64][]int64 // provider -> consumers
	index map[int64]int     // task id -> position in nodes, for tie-break ordering
}

// Recompute builds the DAG from the given open tasks (spec §4.6 Nodes,
// Edges). Edge A -> B holds iff B depends on a provider A exposes, A and
// B share an arch, and A's output is visible to B per vis.
func Recompute(tasks []TaskMeta, vis *VisibilityChecker) (*DAG, error) {
	d := &DAG{edges: make(map[int64][]int64), index: make(map[int64]int)}
	for i, tm := range tasks {
		d.nodes = append(d.nodes, tm.Task.ID)
		d.index[tm.Task.ID] = i
	}

	for _, consumer := range tasks {
		remoteURIs := make([]string, len(consumer.Profile.Remotes))
		for i, r := range consumer.Profile.Remotes {
			remoteURIs[i] = r.IndexURI
		}

		for _, dep := range consumer.Meta.Dependencies {
			for _, provider := range tasks {
				if provider.Task.ID == consumer.Task.ID {
					continue
				}
				if provider.Task.Arch != consumer.Task.Arch {
					continue
				}
				if !providesFor(provider.Meta.Providers, dep) {
					continue
				}
				visible, err := vis.Visible(provider.Profile.IndexURI, consumer.Profile.IndexURI, remoteURIs)
				if err != nil {
					return nil, fmt.Errorf("hub: dag: %w", err)
				}
				if !visible {
					continue
				}
				d.edges[provider.Task.ID] = append(d.edges[provider.Task.ID], consumer.Task.ID)
			}
		}
	}
	return d, nil
}

// Dependents returns the tasks with a direct edge from taskID, i.e. the
// tasks that depend on taskID's output (spec §4.6 Completion propagation:
// "every dependent").
func (d *DAG) Dependents(taskID int64) []int64 {
	return d.edges[taskID]
}

func providesFor(providers []stone.Provider, dep stone.Dependency) bool {
	for _, p := range providers {
		if p.Kind == dep.Kind && p.Name == dep.Name {
			return true
		}
	}
	return false
}

// Topo returns the DAG's nodes in topological order, ties broken by task
// id ascending (spec §9 Open Question resolution). Returns an error if
// the graph contains a cycle (spec §8 invariant: "The DAG contains no
// cycle").
func (d *DAG) Topo() ([]int64, error) {
	indegree := make(map[int64]int, len(d.nodes))
	for _, n := range d.nodes {
		indegree[n] = 0
	}
	for _, consumers := range d.edges {
		for _, c := range consumers {
			indegree[c]++
		}
	}

	var ready []int64
	for _, n := range d.nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sortAscending(ready)

	var order []int64
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		var newlyReady []int64
		for _, c := range d.edges[n] {
			indegree[c]--
			if indegree[c] == 0 {
				newlyReady = append(newlyReady, c)
			}
		}
		sortAscending(newlyReady)
		ready = mergeSorted(ready, newlyReady)
	}

	if len(order) != len(d.nodes) {
		return nil, fmt.Errorf("hub: dag contains a cycle")
	}
	return order, nil
}

// Available returns nodes with no incoming edges, restricted to Status new,
// in task-id ascending order (spec §4.6 "available" set).
func (d *DAG) Available(tasks map[int64]Task) ([]int64, error) {
	hasIncoming := make(map[int64]bool)
	for _, consumers := range d.edges {
		for _, c := range consumers {
			hasIncoming[c] = true
		}
	}

	var out []int64
	for _, n := range d.nodes {
		if hasIncoming[n] {
			continue
		}
		if t, ok := tasks[n]; ok && t.Status == TaskNew {
			out = append(out, n)
		}
	}
	sortAscending(out)
	return out, nil
}

func sortAscending(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func mergeSorted(a, b []int64) []int64 {
	out := make([]int64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
