// Package runstore keeps a registry of training runs in a SQL database
// through gorm. One row is written per run and finalised with the run's
// terminal status.
package runstore

import (
	"time"

	"github.com/tsawler/visiontrain/training"
)

type Run struct {
	ID            uint               `gorm:"primaryKey;column:id" json:"id"`
	RunID         string             `gorm:"column:run_id;uniqueIndex;size:36" json:"run_id"`
	ProjectID     string             `gorm:"column:project_id;index;size:128" json:"project_id"`
	Task          string             `gorm:"column:task;size:32" json:"task"`
	ModelName     string             `gorm:"column:model_name;size:128" json:"model_name"`
	ResultDir     string             `gorm:"column:result_dir" json:"result_dir"`
	Status        training.RunStatus `gorm:"column:status;index;size:16" json:"status"`
	Error         *string            `gorm:"column:error" json:"error"`
	CurrentEpoch  int                `gorm:"column:current_epoch" json:"current_epoch"`
	TotalEpochs   int                `gorm:"column:total_epochs" json:"total_epochs"`
	BestEpoch     *int               `gorm:"column:best_epoch" json:"best_epoch"`
	BestValidLoss *float64           `gorm:"column:best_valid_loss" json:"best_valid_loss"`
	PrimaryMetric string             `gorm:"column:primary_metric;size:32" json:"primary_metric"`
	BestMetric    *float64           `gorm:"column:best_metric" json:"best_metric"`
	TrainTime     float64            `gorm:"column:train_time" json:"train_time"`
	Params        int64              `gorm:"column:params" json:"params"`
	MACs          int64              `gorm:"column:macs" json:"macs"`
	// Summary is the final training summary as JSON.
	Summary    *string    `gorm:"column:summary;type:text" json:"summary"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at"`
}

func (Run) TableName() string {
	return "training_runs"
}

// Terminal reports whether the run has finished in any way.
func (r *Run) Terminal() bool {
	return r.Status != training.StatusRunning && r.Status != ""
}

// QueryParams filters and pages List.
type QueryParams struct {
	Page      int
	PageSize  int
	ProjectID *string
	Status    *training.RunStatus
}
