package postgres

import (
	"context"
	"fmt"

	"github.com/dukerupert/billrun/internal/domain"
)

const invoiceColumns = `id, number, client_name, client_email, partner_id, amount::text, currency, status,
	created_by, submitted_at, approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
	reschedule_at, sent_at, paid_at, paid_with, created_at, updated_at`

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var (
		inv    domain.Invoice
		amount string
		status string
	)
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.ClientName, &inv.ClientEmail, &inv.PartnerID, &amount, &inv.Currency, &status,
		&inv.CreatedBy, &inv.SubmittedAt, &inv.ApprovedBy, &inv.ApprovedAt, &inv.RejectedBy, &inv.RejectedAt, &inv.RejectionReason,
		&inv.RescheduleAt, &inv.SentAt, &inv.PaidAt, &inv.PaidWith, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv.Status = domain.InvoiceStatus(status)
	if inv.Amount, err = parseAmount(amount); err != nil {
		return domain.Invoice{}, fmt.Errorf("parse invoice amount %q: %w", amount, err)
	}
	return inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (id, number, client_name, client_email, partner_id, amount, currency, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)`,
		inv.ID, inv.Number, inv.ClientName, inv.ClientEmail, inv.PartnerID, inv.Amount.String(), inv.Currency,
		string(inv.Status), inv.CreatedBy, inv.CreatedAt, inv.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateNumber
	}
	return storeErr("store.create_invoice", err)
}

func (s *Store) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if isNoRows(err) {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return inv, storeErr("store.get_invoice", err)
}

func (s *Store) ListInvoicesByStatus(ctx context.Context, statuses ...domain.InvoiceStatus) ([]domain.Invoice, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = ANY($1)
		ORDER BY created_at, id`, names)
	if err != nil {
		return nil, storeErr("store.list_invoices", err)
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, storeErr("store.list_invoices", err)
		}
		out = append(out, inv)
	}
	return out, storeErr("store.list_invoices", rows.Err())
}

// TransitionInvoice writes only the columns the transition type owns.
// $4 is always the transition timestamp.
func (s *Store) TransitionInvoice(ctx context.Context, id string, from domain.InvoiceStatus, t domain.InvoiceTransition) (domain.Invoice, error) {
	var (
		set  string
		args []any
	)

	switch tr := t.(type) {
	case domain.SubmitForApproval:
		set, args = `submitted_at = $4`, []any{tr.At}
	case domain.Approval:
		set, args = `approved_at = $4, approved_by = $5`, []any{tr.At, tr.ApproverID}
	case domain.Rejection:
		set, args = `rejected_at = $4, rejected_by = $5, rejection_reason = $6, reschedule_at = $7`,
			[]any{tr.At, tr.RejecterID, tr.Reason, tr.RescheduleAt}
	case domain.Resubmission:
		set, args = `submitted_at = $4, reschedule_at = NULL`, []any{tr.At}
	case domain.Dispatch:
		set, args = `sent_at = $4`, []any{tr.At}
	case domain.Settlement:
		set, args = `paid_at = $4, paid_with = $5`, []any{tr.At, tr.PaymentRequestID}
	default:
		return domain.Invoice{}, domain.Errorf(domain.EINTERNAL, "store.transition_invoice", "unsupported transition %T", t)
	}

	query := fmt.Sprintf(`
		UPDATE invoices
		SET status = $3, %s, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING %s`, set, invoiceColumns)

	params := append([]any{id, string(from), string(t.Target())}, args...)
	inv, err := scanInvoice(s.pool.QueryRow(ctx, query, params...))
	if isNoRows(err) {
		// Either the invoice is gone or someone else moved it first.
		if _, getErr := s.GetInvoice(ctx, id); getErr != nil {
			return domain.Invoice{}, getErr
		}
		return domain.Invoice{}, domain.ErrStaleStatus
	}
	return inv, storeErr("store.transition_invoice", err)
}
