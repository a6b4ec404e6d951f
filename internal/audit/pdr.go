// Package audit records Process Decision Records for gateway decisions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/swarmauri/peagen/internal/models"
)

// Decision actions.
const (
	ActionTaskSubmit        = "task.submit"
	ActionTaskDispatch      = "task.dispatch"
	ActionTaskRedispatch    = "task.redispatch"
	ActionTaskCancel        = "task.cancel"
	ActionTaskFail          = "task.fail"
	ActionRevisionCommit    = "revision.commit"
	ActionRevisionDuplicate = "revision.duplicate"
	ActionRevisionRejected  = "revision.rejected"
	ActionWorkerRegister    = "worker.register"
	ActionLabelPause        = "label.pause"
	ActionLabelResume       = "label.resume"
)

// Decision outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
)

// Sink persists PDR rows. *store.Store implements it.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// Recorder writes PDR entries and mirrors them into the log.
type Recorder struct {
	sink Sink
	log  zerolog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(sink Sink, log zerolog.Logger) *Recorder {
	return &Recorder{sink: sink, log: log}
}

// Record writes a PDR entry for a state-mutating decision. Audit failures
// are logged, never returned: they must not fail the decision itself.
func (r *Recorder) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) *models.PDREntry {
	inputsHash := HashInputs(inputs)
	r.log.Info().
		Str("action", action).
		Str("outcome", outcome).
		Str("task_id", taskID).
		Str("inputs_hash", inputsHash).
		Msg(details)

	entry, err := r.sink.WritePDR(ctx, action, inputsHash, outcome, taskID, details)
	if err != nil {
		r.log.Error().Err(err).Str("action", action).Str("task_id", taskID).Msg("write pdr")
		return nil
	}
	return entry
}

// HashInputs returns the sha256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
