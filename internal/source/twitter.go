package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"platfoxbot/internal/domain"
)

const (
	TwitterPlatform = "twitter"

	DefaultTwitterBaseURL  = "https://api.twitter.com"
	DefaultTwitterPageSize = 5
	minTwitterPageSize     = 5
	maxTwitterPageSize     = 100

	twitterClientTimeout = 20 * time.Second
	twitterErrorBodyMax  = 512
)

type TwitterConfig struct {
	Token    string
	BaseURL  string
	PageSize int
}

// Twitter reads user timelines from the v2 API. Replies and retweets are excluded.
type Twitter struct {
	token    string
	baseURL  string
	pageSize int
	client   *http.Client
	log      *slog.Logger
}

type twitterTimeline struct {
	Data     []twitterTweet  `json:"data"`
	Includes twitterIncludes `json:"includes"`
}

type twitterTweet struct {
	ID          string              `json:"id"`
	Text        string              `json:"text"`
	Attachments *twitterAttachments `json:"attachments"`
}

type twitterAttachments struct {
	MediaKeys []string `json:"media_keys"`
}

type twitterIncludes struct {
	Media []twitterMedia `json:"media"`
	Users []twitterUser  `json:"users"`
}

type twitterUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type twitterMedia struct {
	MediaKey string           `json:"media_key"`
	Type     string           `json:"type"`
	URL      string           `json:"url"`
	Variants []twitterVariant `json:"variants"`
}

type twitterVariant struct {
	Bitrate *uint32 `json:"bitrate"`
	URL     string  `json:"url"`
}

func NewTwitter(cfg TwitterConfig, log *slog.Logger) *Twitter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultTwitterBaseURL
	}

	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = DefaultTwitterPageSize
	}
	pageSize = min(max(pageSize, minTwitterPageSize), maxTwitterPageSize)

	return &Twitter{
		token:    strings.TrimSpace(cfg.Token),
		baseURL:  baseURL,
		pageSize: pageSize,
		client:   &http.Client{Timeout: twitterClientTimeout},
		log:      log,
	}
}

func (t *Twitter) Platform() string {
	return TwitterPlatform
}

func (t *Twitter) Fetch(ctx context.Context, accountID string, since uint64) (Batch, error) {
	body, err := t.fetchTimeline(ctx, accountID, since)
	if err != nil {
		return Batch{}, transportError(TwitterPlatform, accountID, err)
	}

	var timeline twitterTimeline
	if err = json.Unmarshal(body, &timeline); err != nil {
		return Batch{}, schemaError(TwitterPlatform, accountID, fmt.Errorf("decode timeline: %w", err))
	}

	posts, err := t.normalize(ctx, accountID, since, &timeline)
	if err != nil {
		return Batch{}, schemaError(TwitterPlatform, accountID, err)
	}

	return Batch{Posts: posts}, nil
}

func (t *Twitter) timelineURL(accountID string, since uint64) string {
	query := url.Values{}
	query.Set("exclude", "replies,retweets")
	query.Set("tweet.fields", "attachments,author_id")
	query.Set("expansions", "attachments.media_keys,author_id")
	query.Set("media.fields", "type,url,variants")
	query.Set("max_results", strconv.Itoa(t.pageSize))

	if since != 0 {
		query.Set("since_id", strconv.FormatUint(since, 10))
	}

	return fmt.Sprintf("%s/2/users/%s/tweets?%s", t.baseURL, url.PathEscape(accountID), query.Encode())
}

func (t *Twitter) fetchTimeline(ctx context.Context, accountID string, since uint64) ([]byte, error) {
	timelineURL := t.timelineURL(accountID, since)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, timelineURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			t.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"accountID", accountID,
				"operation", "fetchTimeline")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, twitterErrorBodyMax))

		return nil, fmt.Errorf("do request: unexpected status: %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

func (t *Twitter) normalize(
	ctx context.Context,
	accountID string,
	since uint64,
	timeline *twitterTimeline,
) ([]domain.Post, error) {
	if len(timeline.Data) == 0 {
		return nil, nil
	}

	author, ok := findTwitterUser(timeline.Includes.Users, accountID)
	if !ok {
		return nil, errors.New("author object is missing")
	}

	catalog := twitterCatalog(timeline.Includes.Media)

	var posts []domain.Post

	for _, tweet := range timeline.Data {
		id, err := strconv.ParseUint(tweet.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse tweet id %q: %w", tweet.ID, err)
		}

		if id <= since {
			continue
		}

		var keys []string
		if tweet.Attachments != nil {
			keys = tweet.Attachments.MediaKeys
		}

		media, err := ResolveAll(keys, catalog)
		if err != nil {
			return nil, fmt.Errorf("resolve media (tweetID = %d): %w", id, err)
		}

		posts = append(posts, NewPost(
			id,
			tweet.Text,
			media,
			TwitterPlatform,
			author.Name,
			twitterPermalink(author.Username, id),
		))
	}

	t.log.DebugContext(ctx, "Twitter timeline is normalized",
		"accountID", accountID,
		"since", since,
		"received", len(timeline.Data),
		"accepted", len(posts))

	return posts, nil
}

func findTwitterUser(users []twitterUser, accountID string) (twitterUser, bool) {
	for _, u := range users {
		if u.ID == accountID {
			return u, true
		}
	}

	return twitterUser{}, false
}

func twitterCatalog(media []twitterMedia) Catalog {
	catalog := make(Catalog, len(media))

	for _, m := range media {
		variants := make([]Variant, 0, len(m.Variants))
		for _, v := range m.Variants {
			variants = append(variants, Variant{Bitrate: v.Bitrate, URL: v.URL})
		}

		catalog[m.MediaKey] = CatalogMedia{Kind: m.Type, URL: m.URL, Variants: variants}
	}

	return catalog
}

func twitterPermalink(username string, id uint64) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return ""
	}

	return fmt.Sprintf("https://twitter.com/%s/status/%d", username, id)
}
