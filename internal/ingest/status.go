package ingest

import (
	"sync"
	"time"
)

// TaskState is the lifecycle of an ingestion task.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
)

// Terminal reports whether the state can no longer change.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is the observable progress of one task.
type Status struct {
	TaskID     string    `json:"task_id"`
	Submitter  string    `json:"-"`
	State      TaskState `json:"state"`
	Error      string    `json:"error,omitempty"`
	PassageIDs []string  `json:"passage_ids,omitempty"`
	Submitted  time.Time `json:"submitted_at"`
	Started    time.Time `json:"started_at,omitempty"`
	Finished   time.Time `json:"finished_at,omitempty"`
}

// statusStore keeps task statuses with bounded retention. Only terminal
// statuses are evicted, oldest first, so a live task can always be queried.
type statusStore struct {
	mu        sync.Mutex
	byID      map[string]*Status
	order     []string // insertion order, for eviction
	retention int
}

func newStatusStore(retention int) *statusStore {
	if retention <= 0 {
		retention = 10000
	}
	return &statusStore{
		byID:      make(map[string]*Status),
		retention: retention,
	}
}

func (s *statusStore) put(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[st.TaskID]; !exists {
		s.order = append(s.order, st.TaskID)
	}
	copied := st
	s.byID[st.TaskID] = &copied
	s.evictLocked()
}

func (s *statusStore) update(taskID string, fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byID[taskID]; ok {
		fn(st)
	}
}

func (s *statusStore) remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[taskID]; !ok {
		return
	}
	delete(s.byID, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *statusStore) get(taskID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byID[taskID]; ok {
		return *st, true
	}
	return Status{}, false
}

func (s *statusStore) evictLocked() {
	if len(s.byID) <= s.retention {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		st := s.byID[id]
		if len(s.byID) > s.retention && st != nil && st.State.Terminal() {
			delete(s.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
