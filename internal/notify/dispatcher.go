package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"bot-match/internal/matcher"
	"bot-match/internal/metrics"
	"bot-match/internal/wa"

	"golang.org/x/sync/errgroup"
)

// RecipientSource lists the accounts currently able to receive alerts.
type RecipientSource interface {
	LiveRecipients() []wa.Recipient
}

// Sender delivers one alert to one recipient.
type Sender interface {
	Deliver(ctx context.Context, to wa.Recipient, text string) error
}

// Config controls the dispatcher loop.
type Config struct {
	ArtifactPath    string
	AppURL          string
	Interval        time.Duration
	RefreshInterval time.Duration
	Location        *time.Location
}

// Dispatcher turns the match artifact into alerts for every live account.
type Dispatcher struct {
	cfg     Config
	ledger  *Ledger
	source  RecipientSource
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	recipients []wa.Recipient
}

func NewDispatcher(cfg Config, ledger *Ledger, source RecipientSource, sender Sender, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		ledger:  ledger,
		source:  source,
		sender:  sender,
		logger:  logger.With("component", "notifier"),
		metrics: m,
	}
}

// Run refreshes recipients and ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.RefreshRecipients()

	tick := time.NewTicker(d.cfg.Interval)
	defer tick.Stop()
	refresh := time.NewTicker(d.cfg.RefreshInterval)
	defer refresh.Stop()

	d.logger.Info("notification dispatcher started", "interval", d.cfg.Interval, "refresh_interval", d.cfg.RefreshInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			d.RefreshRecipients()
		case <-tick.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("notification tick failed", "error", err)
			}
		}
	}
}

// RefreshRecipients replaces the cached live recipient set.
func (d *Dispatcher) RefreshRecipients() {
	recipients := d.source.LiveRecipients()
	d.mu.Lock()
	d.recipients = recipients
	d.mu.Unlock()
	d.logger.Debug("recipients refreshed", "count", len(recipients))
}

func (d *Dispatcher) snapshot() []wa.Recipient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]wa.Recipient(nil), d.recipients...)
}

// Tick announces every candidate in the artifact that is not yet in the ledger.
func (d *Dispatcher) Tick(ctx context.Context) error {
	groups, err := matcher.ReadArtifact(d.cfg.ArtifactPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load matches: %w", err)
	}

	for _, c := range Flatten(groups) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.ledger.Contains(c.ID) {
			continue
		}
		recipients := d.snapshot()
		if len(recipients) == 0 {
			d.logger.Info("no live recipients, alert deferred", "match_id", c.ID)
			continue
		}

		d.fanOut(ctx, c, recipients)
		if err := d.ledger.Add(c.ID); err != nil {
			d.logger.Error("record sent match failed", "match_id", c.ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) fanOut(ctx context.Context, c Candidate, recipients []wa.Recipient) {
	text := FormatAlert(c, d.cfg.AppURL, d.cfg.Location)
	d.logger.Info("sending match alert", "match_id", c.ID, "recipients", len(recipients))

	var g errgroup.Group
	for _, r := range recipients {
		r := r
		g.Go(func() error {
			if err := d.sender.Deliver(ctx, r, text); err != nil {
				d.count("failed")
				d.logger.Warn("alert delivery failed", "match_id", c.ID, "to", r.Number, "error", err)
				return nil
			}
			d.count("sent")
			d.logger.Info("alert delivered", "match_id", c.ID, "to", r.Number)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) count(status string) {
	if d.metrics != nil {
		d.metrics.AlertDeliveries.WithLabelValues(status).Inc()
	}
}
