package file

import (
	"context"
	"slices"
	"time"

	"github.com/dukex/conduit/pkg/models"
)

// ExecutionLogRepository appends execution logs as individual documents.
type ExecutionLogRepository struct {
	records *collection[models.ExecutionLog]
}

func NewExecutionLogRepository(root string) *ExecutionLogRepository {
	return &ExecutionLogRepository{records: newCollection[models.ExecutionLog](root, "execution_logs")}
}

func (r *ExecutionLogRepository) Save(_ context.Context, log *models.ExecutionLog) error {
	return r.records.store(log.ID, log)
}

// ListByRule returns the newest logs of a rule first. A non-positive limit
// returns everything.
func (r *ExecutionLogRepository) ListByRule(_ context.Context, ruleID string, limit int) ([]*models.ExecutionLog, error) {
	all, err := r.records.all()
	if err != nil {
		return nil, err
	}

	logs := make([]*models.ExecutionLog, 0)

	for _, log := range all {
		if log.RuleID == ruleID {
			logs = append(logs, log)
		}
	}

	slices.SortFunc(logs, func(a, b *models.ExecutionLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}

	return logs, nil
}

func (r *ExecutionLogRepository) CountSuccessfulSince(_ context.Context, ruleID string, since time.Time) (int, error) {
	all, err := r.records.all()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, log := range all {
		if log.RuleID == ruleID && log.ActionResult == models.ResultSuccess && !log.CreatedAt.Before(since) {
			count++
		}
	}

	return count, nil
}
