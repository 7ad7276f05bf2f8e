package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/domain"
)

// InvoiceHandler serves the invoice lifecycle API.
type InvoiceHandler struct {
	invoices domain.InvoiceService
}

// NewInvoiceHandler creates a new InvoiceHandler.
func NewInvoiceHandler(invoices domain.InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices}
}

// Create handles POST /api/invoices
func (h *InvoiceHandler) Create(c echo.Context) error {
	var params domain.CreateInvoiceParams
	if err := c.Bind(&params); err != nil {
		return domain.Invalid("invoice.create", "Malformed request body")
	}

	inv, err := h.invoices.Create(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newInvoiceResponse(inv))
}

// Get handles GET /api/invoices/:id
func (h *InvoiceHandler) Get(c echo.Context) error {
	detail, err := h.invoices.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newInvoiceDetailResponse(detail))
}

// Submit handles POST /api/invoices/:id/submit
func (h *InvoiceHandler) Submit(c echo.Context) error {
	inv, err := h.invoices.Submit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

type approveRequest struct {
	ApproverID string `json:"approver_id"`
}

// Approve handles POST /api/invoices/:id/approve
func (h *InvoiceHandler) Approve(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return domain.Invalid("invoice.approve", "Malformed request body")
	}

	inv, err := h.invoices.Approve(c.Request().Context(), domain.ApproveInvoiceParams{
		InvoiceID:  c.Param("id"),
		ApproverID: req.ApproverID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

type rejectRequest struct {
	RejecterID   string     `json:"rejecter_id"`
	Reason       string     `json:"reason"`
	RescheduleAt *time.Time `json:"reschedule_at"`
}

// Reject handles POST /api/invoices/:id/reject
func (h *InvoiceHandler) Reject(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return domain.Invalid("invoice.reject", "Malformed request body")
	}

	inv, err := h.invoices.Reject(c.Request().Context(), domain.RejectInvoiceParams{
		InvoiceID:    c.Param("id"),
		RejecterID:   req.RejecterID,
		Reason:       req.Reason,
		RescheduleAt: req.RescheduleAt,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

// Resubmit handles POST /api/invoices/:id/resubmit
func (h *InvoiceHandler) Resubmit(c echo.Context) error {
	inv, err := h.invoices.Resubmit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

// Send handles POST /api/invoices/:id/send. A failed email or payment link
// does not undo the dispatch; it is reported in the warnings list.
func (h *InvoiceHandler) Send(c echo.Context) error {
	inv, err := h.invoices.MarkSent(c.Request().Context(), c.Param("id"))
	if err != nil && !domain.IsDeliveryError(err) {
		return err
	}

	resp := newInvoiceResponse(inv)
	resp.Warnings = deliveryWarnings(err)
	return c.JSON(http.StatusOK, resp)
}

// RequestPayment handles POST /api/invoices/:id/payment-requests
func (h *InvoiceHandler) RequestPayment(c echo.Context) error {
	pr, err := h.invoices.RequestPayment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newPaymentRequestResponse(*pr))
}
