// Package feed polls an external prime rate source and pushes accepted values
// into the reserves.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
	"raac/native/reserve"
	"raac/observability"
	"raac/observability/logging"
)

// Outcomes reported to RecordFeedPoll.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

const maxBodyBytes = 1 << 16

// Target is the slice of the reserve registry the poller drives.
type Target interface {
	IDs() []string
	PrimeRate(ctx context.Context, id string) (*uint256.Int, error)
	SetPrimeRate(ctx context.Context, id string, rate *uint256.Int) error
}

// Config configures a Poller.
type Config struct {
	URL string
	// Market restricts updates to one reserve; empty means every reserve.
	Market     string
	Interval   time.Duration
	MaxElapsed time.Duration
	Client     *http.Client
}

// Poller fetches {"rate":"<decimal fraction>"} documents.
type Poller struct {
	cfg     Config
	target  Target
	logger  *slog.Logger
	metrics *observability.ReserveMetrics
}

type ratePayload struct {
	Rate string `json:"rate"`
}

// NewPoller validates cfg and returns a poller.
func NewPoller(cfg Config, target Target, logger *slog.Logger, metrics *observability.ReserveMetrics) (*Poller, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: url required")
	}
	if target == nil {
		return nil, errors.New("feed: target required")
	}
	cfg.Market = strings.TrimSpace(cfg.Market)
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, target: target, logger: logger, metrics: metrics}, nil
}

// Run polls immediately and then every Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("prime rate poll failed",
				slog.String("feed", logging.MaskURL(p.cfg.URL)),
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs one fetch and applies the result to every targeted reserve.
// A rate rejected by the reserve's rate policy is recorded and skipped; it is
// not retried until the next poll.
func (p *Poller) Poll(ctx context.Context) error {
	rate, err := p.fetchWithRetry(ctx)
	if err != nil {
		p.metrics.RecordFeedPoll(OutcomeError)
		return err
	}
	var errs []error
	for _, id := range p.targets() {
		outcome, err := p.apply(ctx, id, rate)
		p.metrics.RecordFeedPoll(outcome)
		switch outcome {
		case OutcomeApplied:
			p.logger.Info("prime rate updated", slog.String("reserve", id), slog.String("rate", fixedpoint.FormatRay(rate)))
		case OutcomeRejected:
			p.logger.Warn("prime rate rejected", slog.String("reserve", id), slog.String("rate", fixedpoint.FormatRay(rate)), slog.Any("error", err))
		case OutcomeError:
			errs = append(errs, fmt.Errorf("feed: reserve %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) targets() []string {
	if p.cfg.Market != "" {
		return []string{p.cfg.Market}
	}
	return p.target.IDs()
}

func (p *Poller) apply(ctx context.Context, id string, rate *uint256.Int) (string, error) {
	current, err := p.target.PrimeRate(ctx, id)
	if err != nil {
		return OutcomeError, err
	}
	if current.Eq(rate) {
		return OutcomeUnchanged, nil
	}
	if err := p.target.SetPrimeRate(ctx, id, rate); err != nil {
		if reserve.KindOf(err) == reserve.KindRatePolicy {
			return OutcomeRejected, err
		}
		return OutcomeError, err
	}
	return OutcomeApplied, nil
}

func (p *Poller) fetchWithRetry(ctx context.Context) (*uint256.Int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = p.cfg.MaxElapsed

	var rate *uint256.Int
	operation := func() error {
		fetched, err := p.fetch(ctx)
		if err != nil {
			return err
		}
		rate = fetched
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Debug("prime rate fetch retry", slog.Any("error", err), slog.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return rate, nil
}

// fetch wraps errors that retrying cannot fix in backoff.Permanent.
func (p *Poller) fetch(ctx context.Context) (*uint256.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("feed: %s %s: %w", uerr.Op, logging.MaskURL(uerr.URL), uerr.Err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("feed: upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("feed: upstream status %d", resp.StatusCode))
	}
	var payload ratePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("feed: decode: %w", err))
	}
	rate, err := fixedpoint.RayFromDecimal(payload.Rate)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if rate.IsZero() {
		return nil, backoff.Permanent(reserve.ErrPrimeRateMustBePositive)
	}
	return rate, nil
}
