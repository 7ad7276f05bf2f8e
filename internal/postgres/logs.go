package postgres

import (
	"context"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/store"
)

// =============================================================================
// Email logs
// =============================================================================

func (s *Store) InsertEmailLog(ctx context.Context, log domain.EmailLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_logs (id, invoice_id, kind, recipient, subject, correlation_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		log.ID, log.InvoiceID, string(log.Kind), log.Recipient, log.Subject, log.CorrelationID, string(log.Status), log.CreatedAt,
	)
	return storeErr("store.insert_email_log", err)
}

func (s *Store) CompleteEmailLog(ctx context.Context, id string, result domain.EmailResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_logs
		SET status = $2, provider_message_id = $3, error = $4, updated_at = $5
		WHERE id = $1`,
		id, string(result.Status), result.ProviderMessageID, result.Error, result.At,
	)
	if err != nil {
		return storeErr("store.complete_email_log", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEmailLogNotFound
	}
	return nil
}

func (s *Store) ListEmailLogs(ctx context.Context, invoiceID string) ([]domain.EmailLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, invoice_id, kind, recipient, subject, correlation_id, status, provider_message_id, error, created_at, updated_at
		FROM email_logs
		WHERE invoice_id = $1
		ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, storeErr("store.list_email_logs", err)
	}
	defer rows.Close()

	var out []domain.EmailLog
	for rows.Next() {
		var (
			l            domain.EmailLog
			kind, status string
		)
		if err := rows.Scan(&l.ID, &l.InvoiceID, &kind, &l.Recipient, &l.Subject, &l.CorrelationID, &status,
			&l.ProviderMessageID, &l.Error, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, storeErr("store.list_email_logs", err)
		}
		l.Kind = domain.EmailKind(kind)
		l.Status = domain.EmailStatus(status)
		out = append(out, l)
	}
	return out, storeErr("store.list_email_logs", rows.Err())
}

// =============================================================================
// Follow-ups
// =============================================================================

// InsertFollowUp inserts the level only when it is level 1 or level-1 exists.
// RowsAffected()==0 is ambiguous between a taken level and a gap, so the
// level is looked up again to tell them apart.
func (s *Store) InsertFollowUp(ctx context.Context, log domain.FollowUpLog) (store.InsertResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO follow_up_logs (id, invoice_id, level, recipient, subject, template_ref, status, scheduled_at, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE $3 = 1 OR EXISTS (
			SELECT 1 FROM follow_up_logs WHERE invoice_id = $2 AND level = $3 - 1
		)
		ON CONFLICT (invoice_id, level) DO NOTHING`,
		log.ID, log.InvoiceID, log.Level, log.Recipient, log.Subject, log.TemplateRef,
		string(log.Status), log.ScheduledAt, log.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.AlreadyExists, nil
	}
	if err != nil {
		return 0, storeErr("store.insert_follow_up", err)
	}
	if tag.RowsAffected() == 1 {
		return store.Inserted, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM follow_up_logs WHERE invoice_id = $1 AND level = $2)`,
		log.InvoiceID, log.Level,
	).Scan(&exists)
	if err != nil {
		return 0, storeErr("store.insert_follow_up", err)
	}
	if exists {
		return store.AlreadyExists, nil
	}
	return 0, domain.ErrLevelGap
}

func (s *Store) CompleteFollowUp(ctx context.Context, id string, result domain.FollowUpResult) error {
	var sentAt any
	if result.Status == domain.FollowUpSent {
		sentAt = result.At
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE follow_up_logs
		SET status = $2, message_id = $3, error = $4, sent_at = $5
		WHERE id = $1 AND status = 'NOT_SENT'`,
		id, string(result.Status), result.MessageID, result.Error, sentAt,
	)
	if err != nil {
		return storeErr("store.complete_follow_up", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM follow_up_logs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return storeErr("store.complete_follow_up", err)
		}
		if !exists {
			return store.ErrFollowUpNotFound
		}
		return domain.ErrStaleStatus
	}
	return nil
}

func (s *Store) ListFollowUps(ctx context.Context, invoiceID string) ([]domain.FollowUpLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, invoice_id, level, recipient, subject, template_ref, status, scheduled_at, sent_at, message_id, error, created_at
		FROM follow_up_logs
		WHERE invoice_id = $1
		ORDER BY level`, invoiceID)
	if err != nil {
		return nil, storeErr("store.list_follow_ups", err)
	}
	defer rows.Close()

	var out []domain.FollowUpLog
	for rows.Next() {
		var (
			l      domain.FollowUpLog
			status string
		)
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Level, &l.Recipient, &l.Subject, &l.TemplateRef, &status,
			&l.ScheduledAt, &l.SentAt, &l.MessageID, &l.Error, &l.CreatedAt); err != nil {
			return nil, storeErr("store.list_follow_ups", err)
		}
		l.Status = domain.FollowUpStatus(status)
		out = append(out, l)
	}
	return out, storeErr("store.list_follow_ups", rows.Err())
}
