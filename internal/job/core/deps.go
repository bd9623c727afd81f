package core

import "fmt"

// depTracker gates execution on prerequisite completion. It keeps, per job,
// the set of prerequisite ids plus every job's latest terminal status, which
// outlives the job's registry entry so dependents of an already-retired
// prerequisite still resolve.
type depTracker struct {
	prereqs  map[string][]string
	terminal map[string]Status
}

func newDepTracker() *depTracker {
	return &depTracker{
		prereqs:  make(map[string][]string),
		terminal: make(map[string]Status),
	}
}

// register installs the job's prerequisite set. It assumes the caller has
// validated the edges (see addEdge for single-edge validation).
func (d *depTracker) register(jobID string, prereqs []string) {
	if len(prereqs) == 0 {
		return
	}
	d.prereqs[jobID] = append([]string(nil), prereqs...)
}

// addEdge adds a single (job -> prerequisite) edge, rejecting duplicates,
// self-dependencies and edges that would close a cycle.
func (d *depTracker) addEdge(jobID, prereqID string) error {
	if jobID == prereqID {
		return fmt.Errorf("%w: %s depends on itself", ErrCycle, jobID)
	}
	for _, p := range d.prereqs[jobID] {
		if p == prereqID {
			return nil // already present
		}
	}
	if d.reachable(prereqID, jobID) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, jobID, prereqID)
	}
	d.prereqs[jobID] = append(d.prereqs[jobID], prereqID)
	return nil
}

// reachable walks prerequisite edges from start looking for target.
func (d *depTracker) reachable(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range d.prereqs[cur] {
			if p == target {
				return true
			}
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

// canExecute reports whether every prerequisite's latest terminal status is
// COMPLETED. A prerequisite that never reaches COMPLETED (cancelled or
// permanently failed) leaves the dependent deferred indefinitely; detecting
// that is out of scope here.
func (d *depTracker) canExecute(jobID string) bool {
	for _, p := range d.prereqs[jobID] {
		if d.terminal[p] != StatusCompleted {
			return false
		}
	}
	return true
}

// markTerminal records the job's latest terminal status. Later occurrences
// overwrite earlier ones.
func (d *depTracker) markTerminal(jobID string, st Status) {
	if !st.Terminal() {
		return
	}
	d.terminal[jobID] = st
}

// forget drops the job's own prerequisite set (not its terminal record).
func (d *depTracker) forget(jobID string) {
	delete(d.prereqs, jobID)
}

// hasTerminal reports whether a terminal status was ever recorded for the id.
func (d *depTracker) hasTerminal(jobID string) (Status, bool) {
	st, ok := d.terminal[jobID]
	return st, ok
}
