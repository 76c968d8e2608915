package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"platfoxbot/internal/domain"

	"github.com/PuerkitoBio/goquery"
)

const (
	TelegramPlatform = "telegram"

	DefaultTelegramBaseURL = "https://t.me"
	telegramClientTimeout  = 20 * time.Second
)

var (
	telegramSlugRe          = regexp.MustCompile(`^\w{5,32}$`)
	telegramBackgroundURLRe = regexp.MustCompile(`background-image:\s*url\(['"]?([^'")]+)['"]?\)`)
)

// TelegramChannel reads the public preview page of a channel. The account id is
// the channel slug and the item id is the message number.
type TelegramChannel struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

type channelMessage struct {
	id    uint64
	text  string
	media []domain.Media
}

func NewTelegramChannel(baseURL string, log *slog.Logger) *TelegramChannel {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultTelegramBaseURL
	}

	return &TelegramChannel{
		baseURL: baseURL,
		client:  &http.Client{Timeout: telegramClientTimeout},
		log:     log,
	}
}

func (c *TelegramChannel) Platform() string {
	return TelegramPlatform
}

func (c *TelegramChannel) Fetch(ctx context.Context, slug string, since uint64) (Batch, error) {
	slug = strings.TrimPrefix(strings.TrimSpace(slug), "@")
	if !telegramSlugRe.MatchString(slug) {
		return Batch{}, schemaError(TelegramPlatform, slug, fmt.Errorf("invalid channel slug %q", slug))
	}

	doc, err := c.fetchPage(ctx, slug)
	if err != nil {
		return Batch{}, transportError(TelegramPlatform, slug, err)
	}

	title := channelTitle(doc)
	if title == "" {
		c.log.WarnContext(ctx, "Empty Telegram channel title",
			"slug", slug)

		title = slug
	}

	messages, err := parseChannelMessages(doc)
	if err != nil {
		return Batch{}, schemaError(TelegramPlatform, slug, err)
	}

	// The preview page lists messages oldest-first.
	slices.Reverse(messages)

	var posts []domain.Post
	for _, m := range messages {
		if m.id <= since {
			continue
		}

		posts = append(posts, NewPost(
			m.id,
			m.text,
			m.media,
			TelegramPlatform,
			title,
			TelegramMessageURL(slug, m.id),
		))
	}

	c.log.DebugContext(ctx, "Telegram channel page is normalized",
		"slug", slug,
		"since", since,
		"received", len(messages),
		"accepted", len(posts))

	return Batch{Posts: posts}, nil
}

func TelegramMessageURL(slug string, id uint64) string {
	return fmt.Sprintf("%s/%s/%d", DefaultTelegramBaseURL, slug, id)
}

func (c *TelegramChannel) fetchPage(ctx context.Context, slug string) (*goquery.Document, error) {
	pageURL := fmt.Sprintf("%s/s/%s", c.baseURL, slug)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req) //nolint:gosec // Telegram URL
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			c.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"pageURL", pageURL,
				"operation", "fetchPage",
				"slug", slug)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("do request: unexpected status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("create document from reader: %w", err)
	}

	return doc, nil
}

func channelTitle(doc *goquery.Document) string {
	if content, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
		if title := strings.TrimSpace(content); title != "" {
			return title
		}
	}

	return strings.TrimSpace(doc.Find(".tgme_channel_info_header_title").First().Text())
}

func parseChannelMessages(doc *goquery.Document) ([]channelMessage, error) {
	var messages []channelMessage
	var errs []error

	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, s *goquery.Selection) {
		m, err := parseChannelMessage(s)
		if err != nil {
			errs = append(errs, err)
			return
		}

		messages = append(messages, m)
	})

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return messages, nil
}

func parseChannelMessage(s *goquery.Selection) (channelMessage, error) {
	dataPost := strings.TrimSpace(s.AttrOr("data-post", ""))

	_, rawID, ok := strings.Cut(dataPost, "/")
	if !ok {
		return channelMessage{}, fmt.Errorf("data-post %q has no message id", dataPost)
	}

	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return channelMessage{}, fmt.Errorf("parse message id %q: %w", rawID, err)
	}

	return channelMessage{
		id:    id,
		text:  messageText(s),
		media: messageMedia(s),
	}, nil
}

func messageText(s *goquery.Selection) string {
	inner := s.Find(".tgme_widget_message_text").First()
	if inner.Length() == 0 {
		return ""
	}

	inner.Find("br").Each(func(_ int, br *goquery.Selection) {
		br.ReplaceWithHtml("\n")
	})

	return strings.TrimSpace(inner.Text())
}

func messageMedia(s *goquery.Selection) []domain.Media {
	var media []domain.Media

	s.Find(".tgme_widget_message_photo_wrap, video").Each(func(_ int, el *goquery.Selection) {
		if goquery.NodeName(el) == "video" {
			if src := strings.TrimSpace(el.AttrOr("src", "")); src != "" {
				media = append(media, domain.Video(src))
			}

			return
		}

		m := telegramBackgroundURLRe.FindStringSubmatch(el.AttrOr("style", ""))
		if len(m) == 2 && strings.TrimSpace(m[1]) != "" {
			media = append(media, domain.Photo(strings.TrimSpace(m[1])))
		}
	})

	return media
}
