// Package models defines the core domain types for peagen.
package models

import (
	"encoding/json"
	"time"
)

// TaskState is the dispatch state of a task. Every transition is also
// appended to the status log.
type TaskState string

const (
	TaskStateQueued       TaskState = "queued"
	TaskStateAssigned     TaskState = "assigned"
	TaskStateRunning      TaskState = "running"
	TaskStateCommitted    TaskState = "committed"
	TaskStateRejected     TaskState = "rejected"
	TaskStateFailed       TaskState = "failed"
	TaskStateLeaseExpired TaskState = "lease_expired"
	TaskStateCancelled    TaskState = "cancelled"
)

// Known task actions. Workers advertise the actions they can handle.
const (
	ActionMutate = "mutate"
	ActionExec   = "exec"
)

// DefaultPool is used when a task or worker does not name a pool.
const DefaultPool = "default"

// Task is the mutable dispatch record of a logical task. The ledger tables
// never reference it by foreign key; they only carry its ID.
type Task struct {
	ID              string          `json:"id"`
	Action          string          `json:"action"`
	Repo            string          `json:"repo"`
	Pool            string          `json:"pool"`
	Spec            json.RawMessage `json:"spec"`
	SpecHash        string          `json:"spec_hash"`
	ParentTaskID    string          `json:"parent_task_id,omitempty"`
	FanoutID        string          `json:"fanout_id,omitempty"`
	State           TaskState       `json:"state"`
	Attempts        int             `json:"attempts"`
	CancelRequested bool            `json:"cancel_requested"`
	Labels          []string        `json:"labels,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TaskSpec is what a client submits.
type TaskSpec struct {
	ID           string          `json:"id,omitempty"`
	Action       string          `json:"action"`
	Repo         string          `json:"repo"`
	Pool         string          `json:"pool,omitempty"`
	Spec         json.RawMessage `json:"spec"`
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	Labels       []string        `json:"labels,omitempty"`
}

// LabelPause marks a label whose queued tasks are held back from dispatch.
type LabelPause struct {
	Label    string    `json:"label"`
	PausedAt time.Time `json:"paused_at"`
}

// ExecSpec is the spec of an exec task: one allowlisted command run in
// the working copy.
type ExecSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Lease is a time-bounded exclusive claim a worker holds on a task.
type Lease struct {
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Attempt   int       `json:"attempt"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Worker is a registered worker process.
type Worker struct {
	ID            string    `json:"id"`
	Pool          string    `json:"pool"`
	Handlers      []string  `json:"handlers"`
	Advertises    string    `json:"advertises,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Live          bool      `json:"live"`
}

// Handles reports whether the worker advertises action.
func (w *Worker) Handles(action string) bool {
	for _, h := range w.Handlers {
		if h == action {
			return true
		}
	}
	return false
}

// RevisionStatus is the status stored on a TaskRevision row.
type RevisionStatus string

const (
	RevisionCommitted RevisionStatus = "committed"
	RevisionRejected  RevisionStatus = "rejected"
)

// TaskRevision is one committed unit of work.
type TaskRevision struct {
	RevHash    string         `json:"rev_hash"`
	ParentHash string         `json:"parent_hash,omitempty"`
	TaskID     string         `json:"task_id"`
	Repo       string         `json:"repo"`
	TreeOID    string         `json:"tree_oid"`
	WorkerID   string         `json:"worker_id"`
	Status     RevisionStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ArtefactLineage maps a produced artifact to the revision that produced it.
type ArtefactLineage struct {
	ArtefactOID       string    `json:"artefact_oid"`
	Path              string    `json:"path,omitempty"`
	SourceRevHash     string    `json:"source_rev_hash"`
	ProducingWorker   string    `json:"producing_worker"`
	ParentArtefactOID string    `json:"parent_artefact_oid,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// FanoutSet groups sibling revisions spawned from one expansion.
type FanoutSet struct {
	ID                string    `json:"fanout_id"`
	ParentTaskID      string    `json:"parent_task_id"`
	ExpansionSpecHash string    `json:"expansion_spec_hash"`
	MemberRevHashes   []string  `json:"member_rev_hashes"`
	CreatedAt         time.Time `json:"created_at"`
}

// StatusEntry is one row of the status timeline.
type StatusEntry struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	State     TaskState `json:"state"`
	Detail    string    `json:"detail,omitempty"`
}

// Artefact is one produced object in a worker report.
type Artefact struct {
	OID       string `json:"oid"`
	Path      string `json:"path,omitempty"`
	ParentOID string `json:"parent_oid,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
