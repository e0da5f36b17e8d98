package taskgraph

import "sort"

// TopoOrder returns the session's non-deleted task ids in dependency order
// using Kahn's algorithm. Ties break by priority (higher first) then id, so
// the order is deterministic.
func (m *Manager) TopoOrder(sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indegree := make(map[string]int)
	edges := make(map[string][]string)
	for _, task := range m.tasks {
		if task.SessionID != sessionID || task.Stage == StageDeleted {
			continue
		}
		if _, ok := indegree[task.ID]; !ok {
			indegree[task.ID] = 0
		}
		for _, dep := range task.DependsOn {
			d, ok := m.tasks[dep]
			if !ok || d.Stage == StageDeleted {
				continue
			}
			edges[dep] = append(edges[dep], task.ID)
			indegree[task.ID]++
		}
	}

	frontier := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	less := func(a, b string) bool {
		ta, tb := m.tasks[a], m.tasks[b]
		if ta.Priority != tb.Priority {
			return ta.Priority > tb.Priority
		}
		return a < b
	}

	order := make([]string, 0, len(indegree))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	if len(order) != len(indegree) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Path: stuck}
	}
	return order, nil
}

// CriticalPathLength returns the longest dependency chain (in task count)
// among the session's non-deleted tasks. Used to size agent recommendations.
func (m *Manager) CriticalPathLength(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	memo := make(map[string]int)
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		memo[id] = 0 // cycle guard; graphs here are acyclic by construction
		task, ok := m.tasks[id]
		if !ok || task.Stage == StageDeleted {
			return 0
		}
		best := 0
		for _, dep := range task.DependsOn {
			if d := depth(dep); d > best {
				best = d
			}
		}
		memo[id] = best + 1
		return best + 1
	}

	longest := 0
	for _, task := range m.tasks {
		if task.SessionID != sessionID || task.Stage == StageDeleted {
			continue
		}
		if d := depth(task.ID); d > longest {
			longest = d
		}
	}
	return longest
}

// TransitiveDependents returns every task reachable from taskID over reverse
// dependency edges, sorted by id.
func (m *Manager) TransitiveDependents(taskID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, next := range m.dependents[id] {
			if seen[next] {
				continue
			}
			if _, ok := m.tasks[next]; !ok {
				continue
			}
			seen[next] = true
			walk(next)
		}
	}
	walk(taskID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Progress summarizes the session's execution state.
type Progress struct {
	Total           int `json:"total"`
	Completed       int `json:"completed"`
	InProgress      int `json:"inProgress"`
	Ready           int `json:"ready"`
	Pending         int `json:"pending"`
	BlockedQuestion int `json:"blockedQuestion"`
}

// Done reports whether every remaining task is terminal.
func (p Progress) Done() bool {
	return p.InProgress == 0 && p.Ready == 0 && p.Pending == 0 && p.BlockedQuestion == 0
}

// SessionProgress counts the session's tasks by stage, excluding deleted
// tasks from the total.
func (m *Manager) SessionProgress(sessionID string) Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var p Progress
	for _, task := range m.tasks {
		if task.SessionID != sessionID || task.Stage == StageDeleted {
			continue
		}
		p.Total++
		switch task.Stage {
		case StageCompleted:
			p.Completed++
		case StageInProgress:
			p.InProgress++
		case StageReady:
			p.Ready++
		case StagePending:
			p.Pending++
		case StageBlockedQuestion:
			p.BlockedQuestion++
		}
	}
	return p
}
