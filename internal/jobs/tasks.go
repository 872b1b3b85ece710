package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"

	"github.com/ecademy/leadfunnel/internal/model"
)

// TaskReconcileRun executes one queued reconciliation run.
const TaskReconcileRun = "reconcile:run"

// ReconcilePayload identifies the run to execute.
type ReconcilePayload struct {
	RunID   string           `json:"run_id"`
	Request model.RunRequest `json:"request"`
}

// NewReconcileTask builds the task for p.
func NewReconcileTask(p ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: marshal payload")
	}
	return asynq.NewTask(TaskReconcileRun, data), nil
}

// ParseReconcilePayload decodes a reconcile task payload.
func ParseReconcilePayload(task *asynq.Task) (ReconcilePayload, error) {
	var p ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return ReconcilePayload{}, eris.Wrap(err, "jobs: unmarshal payload")
	}
	if p.RunID == "" {
		return ReconcilePayload{}, eris.New("jobs: payload without run id")
	}
	return p, nil
}
