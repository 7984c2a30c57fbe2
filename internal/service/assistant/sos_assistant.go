package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"healthchat/internal/models"
)

// RecordSOS persists an incoming emergency alert before dispatch.
func (s *Service) RecordSOS(ctx context.Context, userID int64, emergency bool, clientTS string) (*models.SOSEvent, error) {
	now := time.Now().UTC()
	if clientTS == "" {
		clientTS = now.Format(time.RFC3339)
	}
	var userVal interface{}
	if userID > 0 {
		userVal = userID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sos_events (user_id, emergency, client_ts, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		userVal, emergency, clientTS, models.SOSStatusReceived, now,
	)
	if err != nil {
		return nil, fmt.Errorf("record sos: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sos id: %w", err)
	}
	return &models.SOSEvent{
		ID:        id,
		UserID:    userID,
		Emergency: emergency,
		ClientTS:  clientTS,
		Status:    models.SOSStatusReceived,
		CreatedAt: now,
	}, nil
}

// MarkSOSStatus updates the delivery state of a recorded alert.
func (s *Service) MarkSOSStatus(ctx context.Context, eventID int64, status string) error {
	if eventID <= 0 {
		return errors.New("invalid sos event id")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sos_events SET status = ? WHERE id = ?`, status, eventID)
	if err != nil {
		return fmt.Errorf("update sos status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetSOSEvent fetches a recorded alert by id.
func (s *Service) GetSOSEvent(ctx context.Context, eventID int64) (*models.SOSEvent, error) {
	var evt models.SOSEvent
	var userID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, emergency, client_ts, status, created_at FROM sos_events WHERE id = ?`, eventID,
	).Scan(&evt.ID, &userID, &evt.Emergency, &evt.ClientTS, &evt.Status, &evt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get sos event: %w", err)
	}
	if userID.Valid {
		evt.UserID = userID.Int64
	}
	return &evt, nil
}
