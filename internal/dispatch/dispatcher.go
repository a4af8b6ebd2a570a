// Package dispatch sends a campaign to every subscriber its list's segment
// currently resolves to. One recipient's failure is recorded and never
// aborts the run.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailbeam/mailbeam/internal/mailing"
	"github.com/mailbeam/mailbeam/internal/notify"
)

const (
	// DefaultWorkers is the send concurrency when none is configured.
	DefaultWorkers = 4
	// DefaultSendTimeout caps one recipient's send, render included.
	DefaultSendTimeout = 30 * time.Second
)

// Resolver yields the current members of a list's segment.
type Resolver interface {
	Resolve(ctx context.Context, orgID, listID uuid.UUID) ([]*mailing.Subscriber, error)
}

// CampaignStore is the slice of the store the dispatcher needs.
type CampaignStore interface {
	GetCampaign(ctx context.Context, orgID, campaignID uuid.UUID) (*mailing.Campaign, error)
	SetCampaignDispatch(ctx context.Context, orgID, campaignID uuid.UUID, result mailing.DispatchResult) error
}

// Dispatcher fans a campaign out to its resolved recipients through a
// bounded worker pool.
type Dispatcher struct {
	store       CampaignStore
	resolver    Resolver
	notifier    notify.Notifier
	renderer    *Renderer
	workers     int
	sendTimeout time.Duration
	log         zerolog.Logger
}

// New creates a dispatcher. A nil notifier is legal at construction time;
// Dispatch then fails with ErrProviderUnavailable.
func New(store CampaignStore, resolver Resolver, notifier notify.Notifier, workers int, sendTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		store:       store,
		resolver:    resolver,
		notifier:    notifier,
		renderer:    NewRenderer(),
		workers:     workers,
		sendTimeout: sendTimeout,
		log:         log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch sends the campaign to every subscriber its list currently
// resolves to and returns a fresh result. Stored subscriber and list state
// never change; rerunning re-attempts delivery to the current segment.
func (d *Dispatcher) Dispatch(ctx context.Context, orgID, campaignID uuid.UUID) (*mailing.DispatchResult, error) {
	campaign, err := d.store.GetCampaign(ctx, orgID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return nil, mailing.ErrCampaignNotFound
	}
	if d.notifier == nil {
		return nil, mailing.ErrProviderUnavailable
	}

	recipients, err := d.resolver.Resolve(ctx, orgID, campaign.ListID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, mailing.ErrNoRecipients
	}

	result := &mailing.DispatchResult{}
	var mu sync.Mutex

	jobs := make(chan *mailing.Subscriber)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				if err := d.sendOne(ctx, campaign, sub); err != nil {
					mu.Lock()
					result.FailureCount++
					result.Errors = append(result.Errors, mailing.SendError{
						RecipientEmail: sub.Email,
						Reason:         err.Error(),
					})
					mu.Unlock()
					continue
				}
				mu.Lock()
				result.SuccessCount++
				mu.Unlock()
			}
		}()
	}

	for _, sub := range recipients {
		jobs <- sub
	}
	close(jobs)
	wg.Wait()

	result.DispatchedAt = time.Now()

	if err := d.store.SetCampaignDispatch(ctx, orgID, campaignID, *result); err != nil {
		// The sends already happened; losing the snapshot is not fatal.
		d.log.Warn().Err(err).Str("campaign_id", campaignID.String()).Msg("store dispatch summary")
	}

	d.log.Info().
		Str("campaign_id", campaignID.String()).
		Int("success", result.SuccessCount).
		Int("failure", result.FailureCount).
		Msg("dispatch finished")
	return result, nil
}

// sendOne renders and sends to a single recipient under the per-send
// timeout. A timeout is treated like any other send failure.
func (d *Dispatcher) sendOne(ctx context.Context, campaign *mailing.Campaign, sub *mailing.Subscriber) error {
	binding := make(map[string]interface{}, len(sub.Attributes)+1)
	for k, v := range sub.Attributes {
		binding[k] = v
	}
	binding["email"] = sub.Email

	subject, err := d.renderer.Render(campaign.Subject, binding)
	if err != nil {
		return fmt.Errorf("render subject: %w", err)
	}
	body, err := d.renderer.Render(campaign.Content, binding)
	if err != nil {
		return fmt.Errorf("render content: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return d.notifier.Send(sendCtx, sub.Email, subject, body)
}
