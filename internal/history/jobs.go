package history

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// BroadcastJob is an admin broadcast persisted for asynchronous delivery by
// the worker. Delivered/Failed hold the per-recipient outcome counts once
// the fan-out completes; a single unreachable recipient never fails the job.
type BroadcastJob struct {
	ID        string    `gorm:"primaryKey;size:26"` // ULID
	Text      string    `gorm:"type:text;not null"`
	Status    JobStatus `gorm:"type:varchar(16);index;not null"`
	Delivered int       `gorm:"not null;default:0"`
	Failed    int       `gorm:"not null;default:0"`
	Error     *string   `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BroadcastJob) TableName() string { return "broadcast_jobs" }

func (s *Store) CreateBroadcastJob(ctx context.Context, job *BroadcastJob) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetBroadcastJob(ctx context.Context, id string) (*BroadcastJob, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var j BroadcastJob
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkBroadcastRunning transitions queued -> running. Returns
// gorm.ErrRecordNotFound if the job is gone or already picked up.
func (s *Store) MarkBroadcastRunning(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&BroadcastJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) MarkBroadcastSucceeded(ctx context.Context, id string, delivered, failed int) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&BroadcastJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":    JobSucceeded,
			"delivered": delivered,
			"failed":    failed,
			"error":     nil,
		}).Error
}

func (s *Store) MarkBroadcastFailed(ctx context.Context, id string, errMsg string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&BroadcastJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}
