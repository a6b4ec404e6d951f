package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/models"
)

// --- Label Operations ---

// LabelResult reports what a label operation touched. Changed is false when
// a pause or resume found the label already in that state. Tasks lists the
// ids a cancel acted on.
type LabelResult struct {
	Label   string   `json:"label"`
	Paused  bool     `json:"paused"`
	Changed bool     `json:"changed"`
	Tasks   []string `json:"tasks,omitempty"`
}

func labelArg(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", apperr.New(apperr.CodeInvalidArgument, "label is required")
	}
	return label, nil
}

// PauseLabel stops dispatch of queued tasks carrying label. Leased tasks
// run to completion.
func (s *Service) PauseLabel(ctx context.Context, label string) (*LabelResult, error) {
	label, err := labelArg(label)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.PauseLabel(ctx, label)
	if err != nil {
		return nil, err
	}
	if changed {
		s.audit.Record(ctx, audit.ActionLabelPause, map[string]string{"label": label},
			audit.OutcomeSuccess, "", "paused "+label)
	}
	return &LabelResult{Label: label, Paused: true, Changed: changed}, nil
}

// ResumeLabel makes tasks carrying label claimable again.
func (s *Service) ResumeLabel(ctx context.Context, label string) (*LabelResult, error) {
	label, err := labelArg(label)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.ResumeLabel(ctx, label)
	if err != nil {
		return nil, err
	}
	if changed {
		s.audit.Record(ctx, audit.ActionLabelResume, map[string]string{"label": label},
			audit.OutcomeSuccess, "", "resumed "+label)
	}
	return &LabelResult{Label: label, Changed: changed}, nil
}

// CancelLabel runs Cancel on every non-terminal task carrying label.
func (s *Service) CancelLabel(ctx context.Context, label string) (*LabelResult, error) {
	label, err := labelArg(label)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.TaskIDsWithLabel(ctx, label)
	if err != nil {
		return nil, err
	}
	res := &LabelResult{Label: label, Tasks: []string{}}
	for _, id := range ids {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task == nil || task.State.IsTerminal() {
			continue
		}
		if _, err := s.Cancel(ctx, id); err != nil {
			return nil, fmt.Errorf("cancel %s: %w", id, err)
		}
		res.Tasks = append(res.Tasks, id)
	}
	res.Changed = len(res.Tasks) > 0
	s.log.Info().Str("label", label).Int("tasks", len(res.Tasks)).Msg("label cancelled")
	return res, nil
}

// PausedLabels lists the labels currently held back from dispatch.
func (s *Service) PausedLabels(ctx context.Context) ([]models.LabelPause, error) {
	return s.store.PausedLabels(ctx)
}
