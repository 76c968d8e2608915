package source

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"platfoxbot/internal/domain"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	RSSPlatform = "rss"

	rssClientTimeout = 20 * time.Second
)

// RSS reads RSS, Atom and JSON feeds. The account id is the feed URL and the
// item id is the publication time in unix seconds, so two items published in
// the same second share an id.
type RSS struct {
	parser *gofeed.Parser
	client *http.Client
	log    *slog.Logger
}

func NewRSS(log *slog.Logger) *RSS {
	return &RSS{
		parser: gofeed.NewParser(),
		client: &http.Client{Timeout: rssClientTimeout},
		log:    log,
	}
}

func (r *RSS) Platform() string {
	return RSSPlatform
}

func (r *RSS) Fetch(ctx context.Context, feedURL string, since uint64) (Batch, error) {
	feedURL = strings.TrimSpace(feedURL)

	feed, err := r.fetchFeed(ctx, feedURL)
	if err != nil {
		return Batch{}, err
	}

	title := strings.TrimSpace(feed.Title)
	if title == "" {
		r.log.WarnContext(ctx, "Empty feed title",
			"feedURL", feedURL,
			"fallbackTitle", feedURL)

		title = feedURL
	}

	var posts []domain.Post

	for _, item := range feed.Items {
		id, ok := rssItemID(item)
		if !ok {
			r.log.DebugContext(ctx, "Skipping feed item without timestamp",
				"feedURL", feedURL,
				"itemTitle", item.Title)

			continue
		}

		if id <= since {
			continue
		}

		posts = append(posts, NewPost(
			id,
			rssItemText(item),
			rssItemMedia(item),
			RSSPlatform,
			title,
			strings.TrimSpace(item.Link),
		))
	}

	slices.SortStableFunc(posts, func(a, b domain.Post) int {
		return cmp.Compare(b.ID, a.ID)
	})

	r.log.DebugContext(ctx, "Feed is normalized",
		"feedURL", feedURL,
		"since", since,
		"received", len(feed.Items),
		"accepted", len(posts))

	return Batch{Posts: posts}, nil
}

func (r *RSS) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, schemaError(RSSPlatform, feedURL, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req) //nolint:gosec // Configured feed URL
	if err != nil {
		return nil, transportError(RSSPlatform, feedURL, fmt.Errorf("do request: %w", err))
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			r.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"feedURL", feedURL,
				"operation", "fetchFeed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, transportError(RSSPlatform, feedURL,
			fmt.Errorf("do request: unexpected status: %d", resp.StatusCode))
	}

	feed, err := r.parser.Parse(resp.Body)
	if err != nil {
		return nil, schemaError(RSSPlatform, feedURL, fmt.Errorf("parse feed: %w", err))
	}

	return feed, nil
}

func rssItemID(item *gofeed.Item) (uint64, bool) {
	var t *time.Time

	switch {
	case item.PublishedParsed != nil:
		t = item.PublishedParsed
	case item.UpdatedParsed != nil:
		t = item.UpdatedParsed
	default:
		return 0, false
	}

	unix := t.Unix()
	if unix <= 0 {
		return 0, false
	}

	return uint64(unix), true
}

func rssItemText(item *gofeed.Item) string {
	if title := strings.TrimSpace(item.Title); title != "" {
		return title
	}

	description := strings.TrimSpace(item.Description)
	if description == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(description))
	if err != nil {
		return description
	}

	return strings.TrimSpace(doc.Text())
}

func rssItemMedia(item *gofeed.Item) []domain.Media {
	var media []domain.Media
	seen := make(map[string]struct{})

	add := func(m domain.Media) {
		if m.URL == "" {
			return
		}

		if _, ok := seen[m.URL]; ok {
			return
		}

		seen[m.URL] = struct{}{}
		media = append(media, m)
	}

	for _, enclosure := range item.Enclosures {
		if enclosure == nil {
			continue
		}

		mediaURL := strings.TrimSpace(enclosure.URL)
		mediaType := strings.ToLower(strings.TrimSpace(enclosure.Type))

		switch {
		case strings.HasPrefix(mediaType, "image/"):
			add(domain.Photo(mediaURL))
		case strings.HasPrefix(mediaType, "video/"):
			add(domain.Video(mediaURL))
		}
	}

	if item.Image != nil {
		add(domain.Photo(strings.TrimSpace(item.Image.URL)))
	}

	return media
}
