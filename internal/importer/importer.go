// Package importer bulk-creates subscribers from tabular files and links
// them into a list. Rows are committed in bounded batches; a bad row is
// recorded and skipped, never aborting the run.
package importer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailbeam/mailbeam/internal/attr"
	"github.com/mailbeam/mailbeam/internal/mailing"
	"github.com/mailbeam/mailbeam/internal/pkg/distlock"
)

// DefaultBatchSize bounds how many subscribers one transaction creates.
const DefaultBatchSize = 100

// Store is the slice of the store the importer needs.
type Store interface {
	GetList(ctx context.Context, orgID, listID uuid.UUID) (*mailing.List, error)
	EmailExists(ctx context.Context, orgID uuid.UUID, email string, exclude uuid.UUID) (bool, error)
	CreateSubscribersBatch(ctx context.Context, subs []*mailing.Subscriber) error
	AddMembers(ctx context.Context, listID uuid.UUID, subIDs []uuid.UUID) error
}

// LockFactory builds the per-list lock that serializes membership writers.
type LockFactory func(key string) distlock.DistLock

// RowError records one rejected row.
type RowError struct {
	Row    int    `json:"row"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason"`
}

// Result summarizes one import run.
type Result struct {
	Created int        `json:"created"`
	Skipped int        `json:"skipped"`
	Errors  []RowError `json:"errors"`
}

// Options tune a single import run.
type Options struct {
	// Conversions maps column names to target types. Columns without a
	// directive stay raw strings.
	Conversions map[string]attr.Type
}

// Importer bulk-creates subscribers and list memberships.
type Importer struct {
	store     Store
	cache     *mailing.SegmentCache
	locks     LockFactory
	batchSize int
	log       zerolog.Logger
}

// New creates an importer. locks may be nil when single-writer deployment
// makes serialization unnecessary.
func New(store Store, cache *mailing.SegmentCache, locks LockFactory, batchSize int, log zerolog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Importer{
		store:     store,
		cache:     cache,
		locks:     locks,
		batchSize: batchSize,
		log:       log.With().Str("component", "importer").Logger(),
	}
}

// Import reads rows from src and creates one subscriber per row, linking
// each completed batch into the list before starting the next. A row without
// an email, a duplicate email, or a failed type conversion is recorded and
// skipped.
func (im *Importer) Import(ctx context.Context, orgID, listID uuid.UUID, src TabularSource, opts Options) (*Result, error) {
	list, err := im.store.GetList(ctx, orgID, listID)
	if err != nil {
		return nil, fmt.Errorf("load list: %w", err)
	}
	if list == nil {
		return nil, mailing.ErrListNotFound
	}

	headers := src.Headers()
	emailCol := -1
	for i, h := range headers {
		if strings.EqualFold(h, "email") {
			emailCol = i
			break
		}
	}
	if emailCol < 0 {
		return nil, fmt.Errorf("source has no email column")
	}

	var lock distlock.DistLock
	if im.locks != nil {
		lock = im.locks("import:list:" + listID.String())
		if err := distlock.AcquireWait(ctx, lock, 100*time.Millisecond); err != nil {
			return nil, fmt.Errorf("acquire import lock: %w", err)
		}
		defer lock.Release(ctx)
	}

	result := &Result{}
	batch := make([]*mailing.Subscriber, 0, im.batchSize)
	seen := make(map[string]bool)

	rowNum := 1 // header row
	for {
		row, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", rowNum+1, err)
		}
		rowNum++

		email := ""
		if emailCol < len(row) {
			email = strings.ToLower(strings.TrimSpace(row[emailCol]))
		}
		if email == "" {
			result.Errors = append(result.Errors, RowError{Row: rowNum, Reason: "missing email"})
			continue
		}

		dup := seen[email]
		if !dup {
			dup, err = im.store.EmailExists(ctx, orgID, email, uuid.Nil)
			if err != nil {
				return nil, fmt.Errorf("check email %q: %w", email, err)
			}
		}
		if dup {
			result.Skipped++
			result.Errors = append(result.Errors, RowError{Row: rowNum, Email: email, Reason: "duplicate email"})
			continue
		}

		attrs, convErr := buildAttributes(headers, row, emailCol, opts.Conversions)
		if convErr != nil {
			result.Errors = append(result.Errors, RowError{Row: rowNum, Email: email, Reason: convErr.Error()})
			continue
		}

		seen[email] = true
		batch = append(batch, &mailing.Subscriber{
			OrganizationID: orgID,
			Email:          email,
			Attributes:     attrs,
		})

		if len(batch) >= im.batchSize {
			if err := im.commitBatch(ctx, listID, batch, result); err != nil {
				return nil, err
			}
			batch = batch[:0]
			im.extendLock(ctx, lock)
		}
	}

	if len(batch) > 0 {
		if err := im.commitBatch(ctx, listID, batch, result); err != nil {
			return nil, err
		}
	}

	im.cache.Invalidate(ctx, listID)

	im.log.Info().
		Str("list_id", listID.String()).
		Int("created", result.Created).
		Int("skipped", result.Skipped).
		Int("errors", len(result.Errors)).
		Msg("import finished")
	return result, nil
}

// commitBatch creates the batch and links it into the list. Membership is
// written before the next batch starts, so an interrupted import leaves the
// already-committed rows fully queryable.
// extendLock refreshes the import lock's TTL between batches so a large file
// does not outlive the lock. Losing the refresh is logged, not fatal.
func (im *Importer) extendLock(ctx context.Context, lock distlock.DistLock) {
	if lock == nil {
		return
	}
	if err := lock.Extend(ctx); err != nil {
		im.log.Warn().Err(err).Msg("extend import lock")
	}
}

func (im *Importer) commitBatch(ctx context.Context, listID uuid.UUID, batch []*mailing.Subscriber, result *Result) error {
	if err := im.store.CreateSubscribersBatch(ctx, batch); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	ids := make([]uuid.UUID, len(batch))
	for i, sub := range batch {
		ids[i] = sub.ID
	}
	if err := im.store.AddMembers(ctx, listID, ids); err != nil {
		return fmt.Errorf("link batch: %w", err)
	}

	result.Created += len(batch)
	return nil
}

// buildAttributes turns the non-email columns of a row into an attribute
// map, applying conversion directives. Empty cells are omitted.
func buildAttributes(headers, row []string, emailCol int, conversions map[string]attr.Type) (attr.Map, error) {
	attrs := attr.Map{}
	for i, h := range headers {
		if i == emailCol || h == "" || i >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[i])
		if raw == "" {
			continue
		}

		v, err := attr.Convert(raw, conversions[h])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", h, err)
		}
		attrs[h] = v
	}
	return attrs, nil
}
