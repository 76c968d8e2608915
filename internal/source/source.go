package source

import (
	"context"
	"errors"
	"fmt"

	"platfoxbot/internal/domain"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

var (
	// ErrTransport marks network failures, timeouts and unexpected statuses.
	ErrTransport = errors.New("transport error")
	// ErrSchema marks responses that do not have the expected shape.
	ErrSchema = errors.New("schema error")
)

// Fetcher retrieves the timeline of one account on one platform.
//
// since is the account cursor. Zero means no cursor: every returned item is new.
// Posts in the returned batch are ordered newest-first and all have ID > since.
// Failures are returned as *FetchError and concern only accountID.
type Fetcher interface {
	Platform() string
	Fetch(ctx context.Context, accountID string, since uint64) (Batch, error)
}

type Batch struct {
	Posts []domain.Post
}

// NewCursor is the id of the first (newest) post. The page is assumed to be
// contiguous, so the maximum over the batch is not computed.
func (b Batch) NewCursor() (uint64, bool) {
	if len(b.Posts) == 0 {
		return 0, false
	}

	return b.Posts[0].ID, true
}

// Chronological returns the posts oldest-first.
func (b Batch) Chronological() []domain.Post {
	posts := make([]domain.Post, len(b.Posts))
	for i, post := range b.Posts {
		posts[len(b.Posts)-1-i] = post
	}

	return posts
}

type FetchError struct {
	Platform  string
	AccountID string
	Err       error

	kind error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s account %s: %v: %v", e.Platform, e.AccountID, e.kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{e.kind, e.Err}
}

func (e *FetchError) IsSchema() bool {
	return e.kind == ErrSchema
}

func transportError(platform string, accountID string, err error) *FetchError {
	return &FetchError{Platform: platform, AccountID: accountID, Err: err, kind: ErrTransport}
}

func schemaError(platform string, accountID string, err error) *FetchError {
	return &FetchError{Platform: platform, AccountID: accountID, Err: err, kind: ErrSchema}
}

// Label formats the attribution shown under a delivered post.
func Label(platform string, author string) string {
	return platform + " // " + author
}

// NewPost builds the destination-agnostic post for one accepted item.
// A trailing link is dropped from text when the item carries media,
// since the destination already shows the media the link points to.
func NewPost(
	id uint64,
	text string,
	media []domain.Media,
	platform string,
	author string,
	permalink string,
) domain.Post {
	if len(media) > 0 {
		text = StripTrailingLink(text)
	}

	return domain.Post{
		ID:          id,
		Text:        text,
		Media:       media,
		SourceLabel: Label(platform, author),
		Permalink:   permalink,
	}
}
