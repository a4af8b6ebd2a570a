// Package notify delivers rendered campaign emails through an external
// provider. Implementations carry no retry or batching; the dispatcher owns
// failure accounting.
package notify

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notifier sends one email. A returned error means this recipient failed;
// it never aborts the surrounding dispatch.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogNotifier records sends instead of delivering them. Used in development
// mode and as the dispatcher's stand-in when no provider is configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Send(_ context.Context, to, subject, _ string) error {
	n.log.Info().Str("to", to).Str("subject", subject).Msg("send (dry run)")
	return nil
}

// RateLimited wraps a Notifier with a sends-per-second cap. Waiting counts
// against the per-send context deadline, so a saturated limiter surfaces as
// a timeout on the recipient.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimited caps next at perSecond sends. perSecond <= 0 disables the
// cap.
func NewRateLimited(next Notifier, perSecond float64) Notifier {
	if perSecond <= 0 {
		return next
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (n *RateLimited) Send(ctx context.Context, to, subject, body string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	return n.next.Send(ctx, to, subject, body)
}
