package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// allowedTransitions is the lease state machine. queued -> committed admits
// a late report from a worker whose lease was already reclaimed, and
// lease_expired -> cancelled settles a cancel requested while leased.
var allowedTransitions = map[TaskState][]TaskState{
	TaskStateQueued:       {TaskStateAssigned, TaskStateCancelled, TaskStateCommitted},
	TaskStateAssigned:     {TaskStateRunning, TaskStateCommitted, TaskStateFailed, TaskStateLeaseExpired, TaskStateCancelled, TaskStateRejected},
	TaskStateRunning:      {TaskStateCommitted, TaskStateFailed, TaskStateLeaseExpired, TaskStateCancelled, TaskStateRejected},
	TaskStateLeaseExpired: {TaskStateQueued, TaskStateCancelled},
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error naming the illegal transition.
func ValidateTransition(from, to TaskState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid task transition %s -> %s", from, to)
	}
	return nil
}

// IsTerminal reports whether no further transition can leave s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCommitted, TaskStateFailed, TaskStateCancelled, TaskStateRejected:
		return true
	default:
		return false
	}
}

// Leased reports whether a task in state s is held by a worker.
func (s TaskState) Leased() bool {
	return s == TaskStateAssigned || s == TaskStateRunning
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateQueued, TaskStateAssigned, TaskStateRunning, TaskStateCommitted,
		TaskStateRejected, TaskStateFailed, TaskStateLeaseExpired, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// CanonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace so equal documents hash equally.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	return json.Marshal(v)
}

// CanonicalTaskSpec is the byte form of a task that enters the revision hash.
func CanonicalTaskSpec(action, repo string, spec json.RawMessage) ([]byte, error) {
	canon, err := CanonicalJSON(spec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Action string          `json:"action"`
		Repo   string          `json:"repo"`
		Spec   json.RawMessage `json:"spec"`
	}{action, repo, canon})
}

// SpecHash is the hex sha256 of the canonical task spec.
func SpecHash(action, repo string, spec json.RawMessage) (string, error) {
	canon, err := CanonicalTaskSpec(action, repo, spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// RevHash computes hash(task_spec, tree_oid, parent_hash). Fields are
// length-prefixed so no two distinct triples share an encoding.
func RevHash(taskSpec []byte, treeOID, parentHash string) string {
	h := sha256.New()
	var prefix [8]byte
	for _, field := range [][]byte{taskSpec, []byte(treeOID), []byte(parentHash)} {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(field)))
		h.Write(prefix[:])
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}
