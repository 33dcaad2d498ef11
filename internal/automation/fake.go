package automation

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Runner for workflow tests.
type Fake struct {
	mu        sync.Mutex
	seq       int
	Started   []TaskSpec
	Canceled  []string
	Codes     []string
	Creds     []string
	statuses  map[string]TaskUpdate
	StartErr  error
	CancelErr error
}

var _ Runner = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{statuses: make(map[string]TaskUpdate)}
}

func (f *Fake) Start(_ context.Context, spec TaskSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return "", f.StartErr
	}
	f.seq++
	id := fmt.Sprintf("tsk_%d", f.seq)
	f.Started = append(f.Started, spec)
	f.statuses[id] = TaskUpdate{TaskID: id, Status: StatusRunning}
	return id, nil
}

// SetStatus sets what Status reports for a task.
func (f *Fake) SetStatus(u TaskUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[u.TaskID] = u
}

func (f *Fake) Status(_ context.Context, taskID string) (TaskUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.statuses[taskID]
	if !ok {
		return TaskUpdate{}, fmt.Errorf("unknown task %s", taskID)
	}
	return u, nil
}

func (f *Fake) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.Canceled = append(f.Canceled, taskID)
	f.statuses[taskID] = TaskUpdate{TaskID: taskID, Status: StatusCanceled}
	return nil
}

func (f *Fake) SubmitCode(_ context.Context, taskID, _, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Codes = append(f.Codes, taskID+":"+code)
	return nil
}

func (f *Fake) StoreCredential(_ context.Context, domain, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Creds = append(f.Creds, domain)
	return "cred_" + domain, nil
}

func (f *Fake) StartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Started)
}

func (f *Fake) LastStart() TaskSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Started) == 0 {
		return TaskSpec{}
	}
	return f.Started[len(f.Started)-1]
}
