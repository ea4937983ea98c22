// Package usage appends one usage record per admitted call and serves the
// per-customer statistics built from them.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	UsageEventsKafkaTopic = "usage.events"
	defaultRecordTimeout  = 3 * time.Second
	maxErrorLength        = 1024
)

// Recorder writes usage rows, lifetime call totals and analytics outbox events
// in one transaction.
type Recorder struct {
	db        *sqlx.DB
	usage     repository.UsageRepository
	customers repository.CustomersRepository
	outbox    repository.OutboxRepository
	clock     clock.Clock
	log       *zap.Logger

	topic   string
	timeout time.Duration
}

type Options struct {
	Topic   string
	Timeout time.Duration
}

func New(
	db *sqlx.DB,
	usageRepo repository.UsageRepository,
	customersRepo repository.CustomersRepository,
	outboxRepo repository.OutboxRepository,
	clk clock.Clock,
	log *zap.Logger,
	opts Options,
) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Topic == "" {
		opts.Topic = UsageEventsKafkaTopic
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRecordTimeout
	}
	return &Recorder{
		db:        db,
		usage:     usageRepo,
		customers: customersRepo,
		outbox:    outboxRepo,
		clock:     clk,
		log:       log,
		topic:     opts.Topic,
		timeout:   opts.Timeout,
	}
}

// Record stores the outcome of an admitted call. Failures are logged and
// counted; they never reach the caller and never undo the admission.
func (r *Recorder) Record(ctx context.Context, customerID int64, responseTimeMs int64, statusCode int, errMsg string) {
	if _, err := r.RecordErr(ctx, customerID, responseTimeMs, statusCode, errMsg); err != nil {
		metrics.UsageRecordFailuresTotal.Inc()
		r.log.Error("usage record failed",
			zap.Int64("customer_id", customerID),
			zap.Int("status_code", statusCode),
			zap.Error(err),
		)
	}
}

// RecordErr is Record with the failure returned as *model.AccountingError.
// It returns the id of the written usage record.
func (r *Recorder) RecordErr(ctx context.Context, customerID int64, responseTimeMs int64, statusCode int, errMsg string) (string, error) {
	// accounting outlives a client that hung up after being admitted
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if responseTimeMs < 0 {
		responseTimeMs = 0
	}
	now := r.clock.Now().UTC()
	rec := model.UsageRecord{
		ID:             util.NewAt(now),
		CustomerID:     customerID,
		Timestamp:      now,
		ResponseTimeMs: responseTimeMs,
		StatusCode:     statusCode,
	}
	if errMsg != "" {
		errMsg = truncateUTF8(errMsg, maxErrorLength)
		rec.Error = &errMsg
	}

	payload, err := json.Marshal(model.Envelope{ID: rec.ID, CustomerID: customerID, Usage: rec})
	if err != nil {
		return "", &model.AccountingError{CustomerID: customerID, Err: fmt.Errorf("marshal envelope: %w", err)}
	}

	if err := r.write(ctx, rec, payload); err != nil {
		return "", &model.AccountingError{CustomerID: customerID, Err: err}
	}
	metrics.UsageEventsTotal.WithLabelValues("recorded").Inc()
	return rec.ID, nil
}

func (r *Recorder) write(ctx context.Context, rec model.UsageRecord, payload []byte) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.usage.Insert(ctx, tx, rec); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	if err := r.customers.IncrementTotalCalls(ctx, tx, rec.CustomerID, 1); err != nil {
		return fmt.Errorf("increment total calls: %w", err)
	}

	if err := r.outbox.Insert(ctx, tx, "usage", rec.ID, r.topic, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	return tx.Commit()
}

// Stats aggregates usage over [from, to). A zero from means the start of the
// current calendar month; a zero to means now.
func (r *Recorder) Stats(ctx context.Context, customerID int64, from, to time.Time) (model.UsageStats, error) {
	from, to = r.span(from, to)
	st, err := r.usage.Stats(ctx, customerID, from, to)
	if err != nil {
		return st, fmt.Errorf("usage stats %d: %w", customerID, err)
	}
	return st, nil
}

func (r *Recorder) List(ctx context.Context, customerID int64, from, to time.Time, limit, offset int) ([]model.UsageRecord, error) {
	from, to = r.span(from, to)
	rows, err := r.usage.ListByCustomer(ctx, customerID, from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list usage %d: %w", customerID, err)
	}
	return rows, nil
}

func (r *Recorder) span(from, to time.Time) (time.Time, time.Time) {
	now := r.clock.Now().UTC()
	if to.IsZero() {
		// include records stamped in the current second
		to = now.Add(time.Second)
	}
	if from.IsZero() {
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return from.UTC(), to.UTC()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
