package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmauri/peagen/internal/models"
)

type fakeSink struct {
	entries []models.PDREntry
	err     error
}

func (f *fakeSink) WritePDR(_ context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := models.PDREntry{ID: "pdr-1", Action: action, InputsHash: inputsHash, Outcome: outcome, TaskID: taskID, Details: details}
	f.entries = append(f.entries, e)
	return &e, nil
}

func TestRecordHashesInputs(t *testing.T) {
	sink := &fakeSink{}
	var buf bytes.Buffer
	r := NewRecorder(sink, zerolog.New(&buf))

	entry := r.Record(context.Background(), ActionRevisionCommit, map[string]string{"rev_hash": "abc"}, OutcomeSuccess, "t1", "committed")
	require.NotNil(t, entry)
	assert.Equal(t, HashInputs(map[string]string{"rev_hash": "abc"}), entry.InputsHash)
	assert.Len(t, entry.InputsHash, 64)
	assert.Contains(t, buf.String(), `"action":"revision.commit"`)
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&fakeSink{err: errors.New("disk full")}, zerolog.New(&buf))

	assert.Nil(t, r.Record(context.Background(), ActionTaskSubmit, nil, OutcomeSuccess, "t1", ""))
	assert.Contains(t, buf.String(), "disk full")
}

func TestHashInputsUnencodable(t *testing.T) {
	assert.Equal(t, "hash_error", HashInputs(make(chan int)))
}
