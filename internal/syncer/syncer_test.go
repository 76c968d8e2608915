package syncer_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"platfoxbot/internal/cursor"
	"platfoxbot/internal/domain"
	"platfoxbot/internal/publisher"
	"platfoxbot/internal/source"
	"platfoxbot/internal/syncer"
)

const destination = "@platfox"

// events records the order of store and publisher calls across the pass.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log = append(e.log, event)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.log)
}

type memoryStore struct {
	cursors cursor.Cursors
	saves   int
	saveErr error
	events  *events
}

func (s *memoryStore) Load(_ context.Context) cursor.Cursors {
	return s.cursors.Clone()
}

func (s *memoryStore) Save(_ context.Context, cursors cursor.Cursors) error {
	s.events.add("save")
	if s.saveErr != nil {
		return s.saveErr
	}

	s.saves++
	s.cursors = cursors.Clone()

	return nil
}

// timelineFetcher serves a fixed newest-first timeline per account and filters
// it by cursor like the real adapters do.
type timelineFetcher struct {
	timelines map[string][]domain.Post
	errs      map[string]error
	delay     time.Duration

	mu       sync.Mutex
	calls    map[string]int
	inFlight int
	maxSeen  int
}

func (f *timelineFetcher) Platform() string {
	return "fake"
}

func (f *timelineFetcher) Fetch(_ context.Context, accountID string, since uint64) (source.Batch, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[accountID]++
	f.inFlight++
	f.maxSeen = max(f.maxSeen, f.inFlight)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if err := f.errs[accountID]; err != nil {
		return source.Batch{}, err
	}

	var posts []domain.Post
	for _, post := range f.timelines[accountID] {
		if post.ID > since {
			posts = append(posts, post)
		}
	}

	return source.Batch{Posts: posts}, nil
}

func (f *timelineFetcher) callCount(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[accountID]
}

type panickingFetcher struct{}

func (panickingFetcher) Platform() string {
	return "panicky"
}

func (panickingFetcher) Fetch(context.Context, string, uint64) (source.Batch, error) {
	panic("unexpected shape")
}

type recordingPublisher struct {
	events   *events
	outcomes map[uint64]domain.PublishOutcome
	errs     map[uint64]error
	ids      []uint64
}

func (p *recordingPublisher) Publish(
	_ context.Context,
	destinationID string,
	post domain.Post,
) (domain.PublishOutcome, error) {
	if destinationID != destination {
		return domain.Rejected(400, "wrong destination"), nil
	}

	p.events.add(fmt.Sprintf("publish %d", post.ID))
	p.ids = append(p.ids, post.ID)

	if err := p.errs[post.ID]; err != nil {
		return domain.PublishOutcome{}, err
	}

	if outcome, ok := p.outcomes[post.ID]; ok {
		return outcome, nil
	}

	return domain.Success(), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func posts(ids ...uint64) []domain.Post {
	result := make([]domain.Post, 0, len(ids))
	for _, id := range ids {
		result = append(result, domain.Post{
			ID:          id,
			Text:        fmt.Sprintf("post %d", id),
			Media:       []domain.Media{domain.Photo(fmt.Sprintf("https://cdn.example/%d.jpg", id))},
			SourceLabel: "fake // Fox",
		})
	}

	return result
}

type fixture struct {
	events    *events
	store     *memoryStore
	fetcher   *timelineFetcher
	publisher *recordingPublisher
}

func newFixture(cursors cursor.Cursors, timelines map[string][]domain.Post) *fixture {
	ev := &events{}

	if cursors == nil {
		cursors = cursor.Cursors{}
	}

	return &fixture{
		events:    ev,
		store:     &memoryStore{cursors: cursors, events: ev},
		fetcher:   &timelineFetcher{timelines: timelines},
		publisher: &recordingPublisher{events: ev},
	}
}

func (f *fixture) accounts(ids ...string) []syncer.Account {
	accounts := make([]syncer.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, syncer.Account{ID: id, Fetcher: f.fetcher})
	}

	return accounts
}

func (f *fixture) run(t *testing.T, opts syncer.Options, accountIDs ...string) *syncer.Result {
	t.Helper()

	if opts.DestinationID == "" {
		opts.DestinationID = destination
	}

	s := syncer.New(f.store, f.publisher, opts, discardLogger())

	result, err := s.Run(context.Background(), f.accounts(accountIDs...))
	if err != nil {
		t.Fatalf("unexpected pass error: %v", err)
	}

	return result
}

func TestRunPublishesOldestFirstAndAdvancesCursor(t *testing.T) {
	f := newFixture(cursor.Cursors{"42": 100}, map[string][]domain.Post{
		"42": posts(103, 102, 101, 100, 99),
	})
	f.publisher.outcomes = map[uint64]domain.PublishOutcome{
		102: domain.Rejected(429, "rate limited"),
	}

	result := f.run(t, syncer.Options{}, "42")

	if !slices.Equal(f.publisher.ids, []uint64{101, 102, 103}) {
		t.Fatalf("unexpected publish order: %v", f.publisher.ids)
	}

	if got, _ := f.store.cursors.Get("42"); got != 103 {
		t.Fatalf("expected cursor 103 regardless of publish failure, got %d", got)
	}

	if result.Published != 2 || len(result.PublishFailures) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	failure := result.PublishFailures[0]
	if failure.PostID != 102 || failure.Outcome != domain.Rejected(429, "rate limited") {
		t.Fatalf("unexpected failure: %+v", failure)
	}

	if !result.PublishFailed() || result.Err() == nil {
		t.Fatalf("expected pass to report publish failure")
	}
}

func TestRunCountsEmptyRejectionAsFailure(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{"42": posts(101)})
	f.publisher.outcomes = map[uint64]domain.PublishOutcome{
		101: domain.Rejected(0, ""),
	}

	result := f.run(t, syncer.Options{}, "42")

	if result.Published != 0 || len(result.PublishFailures) != 1 {
		t.Fatalf("expected empty rejection to be a failure, got %+v", result)
	}

	if !result.PublishFailed() {
		t.Fatalf("expected pass to report publish failure")
	}
}

func TestRunScenarioWithoutCursor(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{
		"7": {
			{ID: 5, Text: "hi ", Media: []domain.Media{domain.Photo("https://pbs.example/1.jpg")}},
			{ID: 3, Text: "no media"},
		},
	})

	result := f.run(t, syncer.Options{}, "7")

	if !slices.Equal(f.publisher.ids, []uint64{3, 5}) {
		t.Fatalf("unexpected publish order: %v", f.publisher.ids)
	}

	if got, _ := f.store.cursors.Get("7"); got != 5 {
		t.Fatalf("expected cursor 5, got %d", got)
	}

	if result.PublishFailed() || result.Published != 2 || result.AccountsAttempted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{
		"42": posts(103, 102, 101),
	})

	first := f.run(t, syncer.Options{}, "42")
	if first.Published != 3 {
		t.Fatalf("expected 3 published posts, got %d", first.Published)
	}

	f.publisher.ids = nil

	second := f.run(t, syncer.Options{}, "42")
	if second.Fetched != 0 || second.Published != 0 || len(f.publisher.ids) != 0 {
		t.Fatalf("expected nothing on second pass, got %+v and publishes %v", second, f.publisher.ids)
	}

	if got, _ := f.store.cursors.Get("42"); got != 103 {
		t.Fatalf("expected cursor to stay at 103, got %d", got)
	}

	if second.PublishFailed() || second.Err() != nil {
		t.Fatalf("expected clean pass, got %v", second.Err())
	}
}

func TestRunSavesCursorsOnceBeforePublishing(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{
		"a": posts(2, 1),
		"b": posts(20),
	})

	f.run(t, syncer.Options{}, "a", "b")

	want := []string{"save", "publish 1", "publish 2", "publish 20"}
	if got := f.events.all(); !slices.Equal(got, want) {
		t.Fatalf("unexpected event order: got %v want %v", got, want)
	}

	if f.store.saves != 1 {
		t.Fatalf("expected exactly one save, got %d", f.store.saves)
	}
}

func TestRunConcatenatesAccountsInConfiguredOrder(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{
		"a": posts(300, 100),
		"b": posts(250, 200),
		"c": posts(50),
	})
	f.fetcher.delay = 5 * time.Millisecond

	f.run(t, syncer.Options{}, "c", "a", "b")

	want := []uint64{50, 100, 300, 200, 250}
	if !slices.Equal(f.publisher.ids, want) {
		t.Fatalf("unexpected publish order: got %v want %v", f.publisher.ids, want)
	}
}

func TestRunIsolatesFetchFailures(t *testing.T) {
	f := newFixture(cursor.Cursors{"bad": 10}, map[string][]domain.Post{
		"good": posts(2, 1),
		"bad":  posts(12, 11),
	})
	fetchErr := &source.FetchError{Platform: "fake", AccountID: "bad", Err: errors.New("boom")}
	f.fetcher.errs = map[string]error{"bad": fetchErr}

	result := f.run(t, syncer.Options{}, "bad", "good")

	if len(result.FetchErrors) != 1 || !errors.Is(result.FetchErrors[0], fetchErr) {
		t.Fatalf("unexpected fetch errors: %v", result.FetchErrors)
	}

	if got, _ := f.store.cursors.Get("bad"); got != 10 {
		t.Fatalf("expected failed account cursor to stay at 10, got %d", got)
	}

	if got, _ := f.store.cursors.Get("good"); got != 2 {
		t.Fatalf("expected good account cursor 2, got %d", got)
	}

	if !slices.Equal(f.publisher.ids, []uint64{1, 2}) {
		t.Fatalf("unexpected publish order: %v", f.publisher.ids)
	}

	if result.PublishFailed() {
		t.Fatalf("fetch failures must not count as publish failures")
	}

	if result.Err() == nil {
		t.Fatalf("expected joined error to include the fetch failure")
	}
}

func TestRunRecoversFromPanickingFetcher(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{"good": posts(1)})

	s := syncer.New(f.store, f.publisher, syncer.Options{DestinationID: destination}, discardLogger())

	result, err := s.Run(context.Background(), []syncer.Account{
		{ID: "broken", Fetcher: panickingFetcher{}},
		{ID: "good", Fetcher: f.fetcher},
	})
	if err != nil {
		t.Fatalf("unexpected pass error: %v", err)
	}

	if len(result.FetchErrors) != 1 || result.Published != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunContinuesAfterTransportError(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{"42": posts(3, 2, 1)})
	f.publisher.errs = map[uint64]error{
		1: &publisher.TransportError{Err: errors.New("connection reset")},
	}

	result := f.run(t, syncer.Options{}, "42")

	if !slices.Equal(f.publisher.ids, []uint64{1, 2, 3}) {
		t.Fatalf("unexpected publish order: %v", f.publisher.ids)
	}

	if len(result.PublishFailures) != 1 || result.PublishFailures[0].Err == nil {
		t.Fatalf("unexpected failures: %+v", result.PublishFailures)
	}

	if result.PublishFailures[0].Outcome.Code != 0 {
		t.Fatalf("expected code 0 for transport failure, got %d", result.PublishFailures[0].Outcome.Code)
	}
}

func TestRunSaveFailureSkipsPublishing(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{"42": posts(1)})
	f.store.saveErr = errors.New("disk full")

	s := syncer.New(f.store, f.publisher, syncer.Options{DestinationID: destination}, discardLogger())

	_, err := s.Run(context.Background(), f.accounts("42"))
	if err == nil {
		t.Fatalf("expected save error")
	}

	if len(f.publisher.ids) != 0 {
		t.Fatalf("expected no publishes after failed save, got %v", f.publisher.ids)
	}
}

func TestRunSeedOnly(t *testing.T) {
	f := newFixture(nil, map[string][]domain.Post{"42": posts(103, 102)})

	result := f.run(t, syncer.Options{SeedOnly: true}, "42")

	if len(f.publisher.ids) != 0 {
		t.Fatalf("expected no publishes in seed mode, got %v", f.publisher.ids)
	}

	if got, _ := f.store.cursors.Get("42"); got != 103 {
		t.Fatalf("expected seeded cursor 103, got %d", got)
	}

	if result.Fetched != 2 || result.Published != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunBoundsFetchConcurrency(t *testing.T) {
	timelines := make(map[string][]domain.Post)
	var ids []string
	for i := range 6 {
		id := fmt.Sprintf("acc%d", i)
		ids = append(ids, id)
		timelines[id] = posts(uint64(i + 1))
	}

	f := newFixture(nil, timelines)
	f.fetcher.delay = 20 * time.Millisecond

	f.run(t, syncer.Options{MaxConcurrency: 2}, ids...)

	if f.fetcher.maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent fetches, saw %d", f.fetcher.maxSeen)
	}

	for _, id := range ids {
		if got := f.fetcher.callCount(id); got != 1 {
			t.Fatalf("expected exactly one fetch for %s, got %d", id, got)
		}
	}
}

type regressingFetcher struct{}

func (regressingFetcher) Platform() string {
	return "regressing"
}

func (regressingFetcher) Fetch(context.Context, string, uint64) (source.Batch, error) {
	return source.Batch{Posts: posts(50)}, nil
}

func TestRunNeverLowersCursor(t *testing.T) {
	f := newFixture(cursor.Cursors{"42": 100}, nil)

	s := syncer.New(f.store, f.publisher, syncer.Options{DestinationID: destination}, discardLogger())

	if _, err := s.Run(context.Background(), []syncer.Account{{ID: "42", Fetcher: regressingFetcher{}}}); err != nil {
		t.Fatalf("unexpected pass error: %v", err)
	}

	if got, _ := f.store.cursors.Get("42"); got != 100 {
		t.Fatalf("expected cursor to stay at 100, got %d", got)
	}
}
