package postgres

import (
	"context"
	"fmt"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/store"
)

const paymentColumns = `id, invoice_id, external_request_id, checkout_url, amount::text, currency, status,
	gateway_updated_at, created_at, updated_at`

func scanPaymentRequest(row rowScanner) (domain.PaymentRequest, error) {
	var (
		pr     domain.PaymentRequest
		amount string
		status string
	)
	err := row.Scan(&pr.ID, &pr.InvoiceID, &pr.ExternalRequestID, &pr.CheckoutURL, &amount, &pr.Currency, &status,
		&pr.GatewayUpdatedAt, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	pr.Status = domain.PaymentStatus(status)
	if pr.Amount, err = parseAmount(amount); err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("parse payment amount %q: %w", amount, err)
	}
	return pr, nil
}

// InsertPaymentRequest relies on the unique external id and the partial
// unique index on PENDING requests per invoice.
func (s *Store) InsertPaymentRequest(ctx context.Context, pr domain.PaymentRequest) (store.InsertResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payment_requests (id, invoice_id, external_request_id, checkout_url, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $8)
		ON CONFLICT DO NOTHING`,
		pr.ID, pr.InvoiceID, pr.ExternalRequestID, pr.CheckoutURL, pr.Amount.String(), pr.Currency,
		string(pr.Status), pr.CreatedAt,
	)
	if err != nil {
		return 0, storeErr("store.insert_payment_request", err)
	}
	if tag.RowsAffected() == 0 {
		return store.AlreadyExists, nil
	}
	return store.Inserted, nil
}

func (s *Store) GetPaymentRequestByExternalID(ctx context.Context, externalID string) (domain.PaymentRequest, error) {
	pr, err := scanPaymentRequest(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE external_request_id = $1`, externalID))
	if isNoRows(err) {
		return domain.PaymentRequest{}, store.ErrPaymentRequestNotFound
	}
	return pr, storeErr("store.get_payment_request", err)
}

func (s *Store) GetActivePaymentRequest(ctx context.Context, invoiceID string) (domain.PaymentRequest, error) {
	pr, err := scanPaymentRequest(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE invoice_id = $1 AND status = 'PENDING'`, invoiceID))
	if isNoRows(err) {
		return domain.PaymentRequest{}, store.ErrPaymentRequestNotFound
	}
	return pr, storeErr("store.get_active_payment_request", err)
}

func (s *Store) ListPaymentRequests(ctx context.Context, invoiceID string) ([]domain.PaymentRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, storeErr("store.list_payment_requests", err)
	}
	defer rows.Close()

	var out []domain.PaymentRequest
	for rows.Next() {
		pr, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, storeErr("store.list_payment_requests", err)
		}
		out = append(out, pr)
	}
	return out, storeErr("store.list_payment_requests", rows.Err())
}

func (s *Store) AdvancePaymentRequest(ctx context.Context, id string, from domain.PaymentStatus, adv domain.PaymentAdvance) (domain.PaymentRequest, error) {
	pr, err := scanPaymentRequest(s.pool.QueryRow(ctx, `
		UPDATE payment_requests
		SET status = $3, gateway_updated_at = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+paymentColumns,
		id, string(from), string(adv.Status), adv.GatewayUpdatedAt, adv.At,
	))
	if isNoRows(err) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return domain.PaymentRequest{}, storeErr("store.advance_payment_request", err)
		}
		if !exists {
			return domain.PaymentRequest{}, store.ErrPaymentRequestNotFound
		}
		return domain.PaymentRequest{}, domain.ErrStaleStatus
	}
	return pr, storeErr("store.advance_payment_request", err)
}
