package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"platfoxbot/internal/cursor"
	"platfoxbot/internal/domain"
	"platfoxbot/internal/publisher"
	"platfoxbot/internal/source"
)

const DefaultMaxConcurrency = 8

// Account is one configured source account. ID is also the cursor key.
type Account struct {
	ID      string
	Fetcher source.Fetcher
}

type Options struct {
	DestinationID string
	// MaxConcurrency bounds parallel fetches. Zero means DefaultMaxConcurrency.
	MaxConcurrency int
	// SeedOnly advances and saves cursors without publishing anything.
	SeedOnly bool
}

// Syncer runs passes: fetch every account, advance and save cursors, then publish
// the new posts one by one.
//
// Cursors are saved before publishing starts. A failed publish is never retried
// by a later pass, and posts that were not published yet are lost if the process
// dies between the save and the end of the pass.
type Syncer struct {
	store     cursor.Store
	publisher publisher.Publisher
	opts      Options
	log       *slog.Logger
}

type fetchResult struct {
	account Account
	since   uint64
	batch   source.Batch
	err     error
}

func New(store cursor.Store, pub publisher.Publisher, opts Options, log *slog.Logger) *Syncer {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Syncer{
		store:     store,
		publisher: pub,
		opts:      opts,
		log:       log,
	}
}

// Run executes one pass. The returned error is set only when cursors could not be
// saved; nothing is published in that case. Account and post failures are
// collected in the Result.
func (s *Syncer) Run(ctx context.Context, accounts []Account) (*Result, error) {
	start := time.Now()
	result := &Result{AccountsAttempted: len(accounts)}

	cursors := s.store.Load(ctx)

	fetched := s.fetchAll(ctx, accounts, cursors)

	for _, r := range fetched {
		if r.err != nil {
			result.FetchErrors = append(result.FetchErrors, r.err)
			continue
		}

		result.Fetched += len(r.batch.Posts)

		newCursor, ok := r.batch.NewCursor()
		if !ok {
			continue
		}

		if !cursors.Advance(r.account.ID, newCursor) {
			s.log.WarnContext(ctx, "Ignoring cursor that does not advance",
				"accountID", r.account.ID,
				"platform", r.account.Fetcher.Platform(),
				"since", r.since,
				"newCursor", newCursor)
		}
	}

	if err := s.store.Save(ctx, cursors); err != nil {
		return result, fmt.Errorf("save cursors: %w", err)
	}

	if s.opts.SeedOnly {
		s.log.InfoContext(ctx, "Cursors are seeded, publishing is skipped",
			"accountCount", len(accounts),
			"skippedPosts", result.Fetched)

		return result, nil
	}

	s.publishAll(ctx, fetched, result)

	s.log.InfoContext(ctx, "Pass is done",
		"accountsAttempted", result.AccountsAttempted,
		"fetched", result.Fetched,
		"published", result.Published,
		"publishFailures", len(result.PublishFailures),
		"fetchFailures", len(result.FetchErrors),
		"durationSeconds", time.Since(start).Seconds())

	return result, nil
}

// fetchAll returns one result per account, in account order.
func (s *Syncer) fetchAll(
	ctx context.Context,
	accounts []Account,
	cursors cursor.Cursors,
) []fetchResult {
	results := make([]fetchResult, len(accounts))
	if len(accounts) == 0 {
		return results
	}

	var wg sync.WaitGroup

	concurrency := min(s.opts.MaxConcurrency, len(accounts))
	semCh := make(chan struct{}, concurrency)

	for i, account := range accounts {
		since, _ := cursors.Get(account.ID)
		results[i] = fetchResult{account: account, since: since}

		semCh <- struct{}{}

		wg.Go(func() {
			defer func() { <-semCh }()

			results[i].batch, results[i].err = s.fetchAccount(ctx, account, since)
		})
	}

	wg.Wait()

	return results
}

func (s *Syncer) fetchAccount(
	ctx context.Context,
	account Account,
	since uint64,
) (batch source.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch %s account %s: panic: %v", account.Fetcher.Platform(), account.ID, r)
		}

		if err != nil {
			s.log.ErrorContext(ctx, "Failed to fetch account",
				"error", err,
				"accountID", account.ID,
				"platform", account.Fetcher.Platform(),
				"since", since,
				"schema", errors.Is(err, source.ErrSchema))
		}
	}()

	batch, err = account.Fetcher.Fetch(ctx, account.ID, since)
	if err != nil {
		return source.Batch{}, err
	}

	s.log.InfoContext(ctx, "Account is fetched",
		"accountID", account.ID,
		"platform", account.Fetcher.Platform(),
		"since", since,
		"newPosts", len(batch.Posts))

	return batch, nil
}

// publishAll sends each account's posts oldest-first, accounts in fetch order,
// strictly one at a time.
func (s *Syncer) publishAll(ctx context.Context, fetched []fetchResult, result *Result) {
	for _, r := range fetched {
		if r.err != nil {
			continue
		}

		for _, post := range r.batch.Chronological() {
			s.publish(ctx, r.account, post, result)
		}
	}
}

func (s *Syncer) publish(ctx context.Context, account Account, post domain.Post, result *Result) {
	outcome, err := s.publisher.Publish(ctx, s.opts.DestinationID, post)
	if err == nil && outcome.OK() {
		result.Published++

		s.log.DebugContext(ctx, "Post is published",
			"accountID", account.ID,
			"postID", post.ID,
			"mediaCount", len(post.Media))

		return
	}

	failure := PublishFailure{
		AccountID: account.ID,
		PostID:    post.ID,
		Outcome:   outcome,
		Err:       err,
	}
	if err != nil {
		failure.Outcome = domain.Rejected(0, err.Error())
	}

	result.PublishFailures = append(result.PublishFailures, failure)

	s.log.ErrorContext(ctx, "Failed to publish post",
		"error", err,
		"accountID", account.ID,
		"postID", post.ID,
		"code", failure.Outcome.Code,
		"description", failure.Outcome.Message,
		"destinationID", s.opts.DestinationID)
}
