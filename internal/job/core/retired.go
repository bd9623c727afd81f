package core

// retiredEntry keeps the queryable remains of a job that left the registry.
type retiredEntry struct {
	id      string
	name    string
	status  Status
	results []Result
}

// retiredIndex is a capped FIFO of retired jobs so Status and History keep
// answering after a job finishes its last occurrence or is cancelled.
type retiredIndex struct {
	cap   int
	order []string
	byID  map[string]*retiredEntry
}

func newRetiredIndex(cap int) *retiredIndex {
	if cap <= 0 {
		cap = 1
	}
	return &retiredIndex{cap: cap, byID: make(map[string]*retiredEntry)}
}

func (ri *retiredIndex) add(j *job) {
	if _, ok := ri.byID[j.id]; !ok {
		ri.order = append(ri.order, j.id)
	}
	ri.byID[j.id] = &retiredEntry{id: j.id, name: j.name, status: j.status, results: j.results}
	for len(ri.order) > ri.cap {
		old := ri.order[0]
		ri.order = ri.order[1:]
		delete(ri.byID, old)
	}
}

func (ri *retiredIndex) get(id string) (*retiredEntry, bool) {
	e, ok := ri.byID[id]
	return e, ok
}

func (ri *retiredIndex) len() int {
	return len(ri.byID)
}
