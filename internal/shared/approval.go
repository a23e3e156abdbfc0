package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates sign-off steps on a document.
type ApprovalAction string

const (
	ApprovalReview  ApprovalAction = "REVIEW"
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReturn marks a reviewed document sent back for rework.
	ApprovalReturn ApprovalAction = "RETURN"
)

// Valid reports whether the action is known.
func (a ApprovalAction) Valid() bool {
	switch a {
	case ApprovalReview, ApprovalApprove, ApprovalReturn:
		return true
	}
	return false
}

// ErrInvalidApproval is returned for incomplete approval records.
var ErrInvalidApproval = errors.New("invalid approval")

// ApprovalLog is one sign-off on a document identified by module and reference id.
type ApprovalLog struct {
	ID      int64          `json:"id"`
	Module  string         `json:"module"`
	RefID   uuid.UUID      `json:"ref_id"`
	ActorID int64          `json:"actor_id"`
	Action  ApprovalAction `json:"action"`
	Note    string         `json:"note,omitempty"`
	At      time.Time      `json:"at"`
}

// ApprovalPort persists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log ApprovalLog) error
}

// ApprovalRecorder stores approval history in table approvals. Rows are append only.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Validate checks the mandatory approval fields.
func (log ApprovalLog) Validate() error {
	switch {
	case log.Module == "":
		return fmt.Errorf("%w: module required", ErrInvalidApproval)
	case log.ActorID == 0:
		return fmt.Errorf("%w: actor required", ErrInvalidApproval)
	case log.RefID == uuid.Nil:
		return fmt.Errorf("%w: ref id required", ErrInvalidApproval)
	case !log.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidApproval, log.Action)
	}
	return nil
}

// Record appends an approval row. A zero At defaults to the database clock.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.Module, log.RefID, log.ActorID, string(log.Action), log.Note, nullTime(log.At))
	if err != nil {
		r.logger.Error("record approval", slog.String("module", log.Module), slog.String("ref_id", log.RefID.String()), slog.Any("error", err))
		return err
	}
	return nil
}

// List returns the approvals of a document oldest first.
func (r *ApprovalRecorder) List(ctx context.Context, module string, ref uuid.UUID) ([]ApprovalLog, error) {
	if r == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, module, ref_id, actor_id, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	logs := []ApprovalLog{}
	for rows.Next() {
		var l ApprovalLog
		var action string
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
