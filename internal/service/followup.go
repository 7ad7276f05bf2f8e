package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/email"
	"github.com/dukerupert/billrun/internal/store"
	"github.com/dukerupert/billrun/internal/telemetry"
	"github.com/google/uuid"
)

// EscalationLevel is one reminder step. Delay is measured from the
// invoice's SentAt.
type EscalationLevel struct {
	Delay    time.Duration `mapstructure:"delay" validate:"gt=0"`
	Template string        `mapstructure:"template" validate:"required"`
	Subject  string        `mapstructure:"subject" validate:"required"`
}

// EscalationConfig is the reminder schedule. Levels are 1-based in order.
type EscalationConfig struct {
	Levels []EscalationLevel `mapstructure:"levels" validate:"required,min=1,dive"`

	// PartnerTemplates maps partner id to level to template name. A missing
	// entry falls back to the level's template. Partner ids match
	// case-insensitively.
	PartnerTemplates map[string]map[int]string `mapstructure:"partner_templates"`

	// SendTimeout bounds a single reminder send
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// DefaultEscalationConfig is a gentle, firm, final schedule at 7, 14 and 30 days.
func DefaultEscalationConfig() EscalationConfig {
	day := 24 * time.Hour
	return EscalationConfig{
		Levels: []EscalationLevel{
			{Delay: 7 * day, Template: "reminder_gentle.html", Subject: "Friendly reminder: invoice payment"},
			{Delay: 14 * day, Template: "reminder_firm.html", Subject: "Payment overdue"},
			{Delay: 30 * day, Template: "reminder_final.html", Subject: "Final notice: payment required"},
		},
		SendTimeout: 30 * time.Second,
	}
}

// Validate checks the schedule is usable: delays increase with the level.
func (c EscalationConfig) Validate() error {
	v := newValidator()
	if err := v.Struct(c); err != nil {
		return validationError("escalation.config", err)
	}
	for i := 1; i < len(c.Levels); i++ {
		if c.Levels[i].Delay <= c.Levels[i-1].Delay {
			return domain.Invalid("escalation.config",
				fmt.Sprintf("level %d delay must be greater than level %d delay", i+1, i))
		}
	}
	return nil
}

// MaxLevel is the highest configured level.
func (c EscalationConfig) MaxLevel() int { return len(c.Levels) }

// Outcome is the result of evaluating an invoice against the schedule.
type Outcome int

const (
	NotYetDue Outcome = iota
	Due
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Due:
		return "due"
	case Exhausted:
		return "exhausted"
	default:
		return "not_yet_due"
	}
}

// Decision is what Evaluate concluded for the next level.
type Decision struct {
	Outcome Outcome
	Level   int
	DueAt   time.Time
}

// EscalationResult reports what Escalate did.
type EscalationResult struct {
	Decision Decision

	// FollowUp is the level recorded by this call; nil when nothing was sent.
	FollowUp *domain.FollowUpLog
}

// Policy decides when a SENT invoice gets its next reminder and sends it.
type Policy struct {
	store       store.Store
	mailer      Mailer
	config      EscalationConfig
	companyName string
	logger      *slog.Logger
	now         func() time.Time
}

// NewPolicy validates config and checks every referenced template exists.
func NewPolicy(st store.Store, mailer Mailer, config EscalationConfig, companyName string, logger *slog.Logger) (*Policy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}
	for i, lvl := range config.Levels {
		if !mailer.HasTemplate(lvl.Template) {
			return nil, fmt.Errorf("escalation level %d: %w", i+1, email.ErrTemplateNotFound(lvl.Template))
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.PartnerTemplates = foldPartnerTemplates(config.PartnerTemplates)

	return &Policy{
		store:       st,
		mailer:      mailer,
		config:      config,
		companyName: companyName,
		logger:      logger.With(slog.String("component", "escalation_policy")),
		now:         time.Now,
	}, nil
}

// Evaluate decides the next level for inv given its recorded levels.
// It does not touch the store.
func (p *Policy) Evaluate(inv domain.Invoice, logs []domain.FollowUpLog, now time.Time) Decision {
	next := domain.MaxFollowUpLevel(logs) + 1
	d := Decision{Outcome: NotYetDue, Level: next}

	if next > p.config.MaxLevel() || inv.Status == domain.InvoicePaid || inv.Status == domain.InvoiceRejected {
		d.Outcome = Exhausted
		return d
	}
	if !inv.Status.AwaitingPayment() || inv.SentAt == nil {
		return d
	}

	d.DueAt = inv.SentAt.Add(p.config.Levels[next-1].Delay)
	if now.Before(d.DueAt) {
		return d
	}
	for _, l := range logs {
		if l.Level == next {
			return d
		}
	}
	d.Outcome = Due
	return d
}

// Escalate sends the next reminder for inv when it is due. The level is
// reserved as NOT_SENT before sending, so concurrent callers send at most
// once per level. A failed send is recorded as FAILED and never retried;
// it is returned as a *domain.DeliveryError.
func (p *Policy) Escalate(ctx context.Context, inv domain.Invoice, now time.Time) (EscalationResult, error) {
	logs, err := p.store.ListFollowUps(ctx, inv.ID)
	if err != nil {
		return EscalationResult{}, err
	}

	d := p.Evaluate(inv, logs, now)
	res := EscalationResult{Decision: d}
	if d.Outcome != Due {
		p.skip(d.Outcome.String())
		return res, nil
	}

	level := p.config.Levels[d.Level-1]
	followUp := domain.FollowUpLog{
		ID:          uuid.NewString(),
		InvoiceID:   inv.ID,
		Level:       d.Level,
		Recipient:   inv.ClientEmail,
		Subject:     level.Subject,
		TemplateRef: p.templateFor(inv.PartnerID, d.Level),
		Status:      domain.FollowUpNotSent,
		ScheduledAt: d.DueAt,
		CreatedAt:   now,
	}

	inserted, err := p.store.InsertFollowUp(ctx, followUp)
	if err != nil {
		return res, err
	}
	if inserted == store.AlreadyExists {
		p.skip("already_exists")
		p.logger.Debug("follow-up level already taken",
			slog.String("invoice_id", inv.ID),
			slog.Int("level", d.Level))
		return res, nil
	}

	sendErr := p.send(ctx, inv, &followUp, now)
	res.FollowUp = &followUp
	return res, sendErr
}

// send delivers a reserved level and records the outcome on both logs.
func (p *Policy) send(ctx context.Context, inv domain.Invoice, followUp *domain.FollowUpLog, now time.Time) error {
	var checkoutURL string
	if pr, err := p.store.GetActivePaymentRequest(ctx, inv.ID); err == nil {
		checkoutURL = pr.CheckoutURL
	}

	data := email.ReminderEmail{
		Level:           followUp.Level,
		InvoiceNumber:   inv.Number,
		ClientName:      inv.ClientName,
		Amount:          inv.Amount.StringFixed(2),
		Currency:        inv.Currency,
		SentAt:          *inv.SentAt,
		DaysOutstanding: int(now.Sub(*inv.SentAt).Hours() / 24),
		CheckoutURL:     checkoutURL,
		CompanyName:     p.companyName,
		Template:        followUp.TemplateRef,
		SubjectLine:     followUp.Subject,
	}

	logEntry := domain.EmailLog{
		ID:            uuid.NewString(),
		InvoiceID:     inv.ID,
		Kind:          domain.EmailKindReminder,
		Recipient:     followUp.Recipient,
		Subject:       followUp.Subject,
		CorrelationID: followUp.ID,
		Status:        domain.EmailPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.InsertEmailLog(ctx, logEntry); err != nil {
		p.completeFollowUp(ctx, followUp, domain.FollowUpResult{Status: domain.FollowUpFailed, Error: err.Error()})
		return fmt.Errorf("failed to record reminder email: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	sent := p.mailer.SendReminder(sendCtx, followUp.Recipient, followUp.ID, data)
	cancel()

	deliveryErr := completeEmailLog(ctx, p.store, p.logger, p.now, logEntry, sent)

	result := domain.FollowUpResult{Status: domain.FollowUpSent, MessageID: sent.MessageID}
	if deliveryErr != nil {
		result.Status = domain.FollowUpFailed
		var de *domain.DeliveryError
		if errors.As(deliveryErr, &de) {
			result.Error = de.Err.Error()
		}
	}
	p.completeFollowUp(ctx, followUp, result)

	if telemetry.Business != nil {
		telemetry.Business.RemindersSent.WithLabelValues(strconv.Itoa(followUp.Level), string(followUp.Status)).Inc()
	}
	p.logger.Info("follow-up escalated",
		slog.String("invoice_id", inv.ID),
		slog.Int("level", followUp.Level),
		slog.String("status", string(followUp.Status)))

	return deliveryErr
}

func (p *Policy) completeFollowUp(ctx context.Context, followUp *domain.FollowUpLog, result domain.FollowUpResult) {
	result.At = p.now().UTC()

	patchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.CompleteFollowUp(patchCtx, followUp.ID, result); err != nil {
		p.logger.Error("failed to record follow-up outcome",
			slog.String("follow_up_id", followUp.ID),
			slog.String("error", err.Error()))
		return
	}

	followUp.Status = result.Status
	followUp.MessageID = result.MessageID
	followUp.Error = result.Error
	if result.Status == domain.FollowUpSent {
		at := result.At
		followUp.SentAt = &at
	}
}

// templateFor resolves the partner override for a level, if one is loaded.
func (p *Policy) templateFor(partnerID string, level int) string {
	if partnerID != "" {
		if name, ok := p.config.PartnerTemplates[strings.ToLower(partnerID)][level]; ok && p.mailer.HasTemplate(name) {
			return name
		}
	}
	return p.config.Levels[level-1].Template
}

// foldPartnerTemplates lowercases partner ids. Config loaded through viper
// arrives lowercased already; programmatic config may not.
func foldPartnerTemplates(in map[string]map[int]string) map[string]map[int]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]map[int]string, len(in))
	for partnerID, levels := range in {
		key := strings.ToLower(partnerID)
		if out[key] == nil {
			out[key] = make(map[int]string, len(levels))
		}
		for level, name := range levels {
			out[key][level] = name
		}
	}
	return out
}

func (p *Policy) skip(reason string) {
	if telemetry.Business != nil {
		telemetry.Business.ReminderSkips.WithLabelValues(reason).Inc()
	}
}
