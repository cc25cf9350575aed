package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/commentops/internal/logging"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned when a channel, or every channel, lacks settings.
var ErrNotConfigured = errors.New("alert channel not configured")

// Sender is one alert channel.
type Sender interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, subject, body string) error
}

// Dispatcher fans an alert out to every configured channel under a rate limit.
type Dispatcher struct {
	senders []Sender
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over senders.
func NewDispatcher(cfg Config, logger *slog.Logger, senders ...Sender) *Dispatcher {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = DefaultConfig().RatePerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		senders: senders,
		limiter: rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/perMinute)), burst),
		logger:  logging.Component(logger, "alerts"),
	}
}

// NewFromConfig builds a dispatcher with the email, Slack and Jira senders.
func NewFromConfig(cfg Config, logger *slog.Logger) *Dispatcher {
	return NewDispatcher(cfg, logger,
		NewEmailSender(cfg.SMTP),
		NewSlackSender(cfg.SlackWebhookURL, nil),
		NewTicketCreator(cfg.Jira, nil),
	)
}

// Channels returns the names of configured channels.
func (d *Dispatcher) Channels() []string {
	var names []string
	for _, s := range d.senders {
		if s.Configured() {
			names = append(names, s.Name())
		}
	}
	return names
}

// Alert sends through every configured channel. It waits for the rate
// limiter, attempts every channel even when one fails, and returns the joined
// failures. With no configured channel it returns ErrNotConfigured.
func (d *Dispatcher) Alert(ctx context.Context, subject, body string) error {
	var configured []Sender
	for _, s := range d.senders {
		if s.Configured() {
			configured = append(configured, s)
		} else {
			d.logger.Debug("alert channel not configured, skipping", "channel", s.Name())
		}
	}
	if len(configured) == 0 {
		d.logger.Warn("no alert channel configured", "subject", subject)
		return ErrNotConfigured
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alert rate limit: %w", err)
	}

	var errs []error
	for _, s := range configured {
		if err := s.Send(ctx, subject, body); err != nil {
			d.logger.Error("alert delivery failed", "channel", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.logger.Info("alert sent", "channel", s.Name(), "subject", subject)
	}
	return errors.Join(errs...)
}
