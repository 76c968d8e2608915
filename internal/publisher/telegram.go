package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"platfoxbot/internal/domain"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	DefaultTelegramServerURL = "https://api.telegram.org"

	telegramClientTimeout = 60 * time.Second
	// MaxMediaGroupSize is the largest album the Bot API accepts.
	MaxMediaGroupSize = 10

	internalErrorMessage = "internal error"
)

// Telegram publishes posts as media groups through the Bot API.
type Telegram struct {
	api *bot.Bot
	log *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ServerURL string
}

type telegramErrorResponse struct {
	ErrorCode   *int   `json:"error_code"`
	Description string `json:"description"`
}

func NewTelegram(cfg TelegramConfig, log *slog.Logger) (*Telegram, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}

	serverURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if serverURL == "" {
		serverURL = DefaultTelegramServerURL
	}

	client := &capturingClient{client: &http.Client{Timeout: telegramClientTimeout}}

	api, err := bot.New(token,
		bot.WithSkipGetMe(),
		bot.WithServerURL(serverURL),
		bot.WithHTTPClient(telegramClientTimeout, client),
	)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	return &Telegram{api: api, log: log}, nil
}

// Publish sends post as one media group with the caption on the first element.
// Posts without media are skipped and reported as successful: text-only
// delivery is not supported.
func (t *Telegram) Publish(
	ctx context.Context,
	chatID string,
	post domain.Post,
) (domain.PublishOutcome, error) {
	if len(post.Media) == 0 {
		t.log.DebugContext(ctx, "Skipping post without media",
			"chatID", chatID,
			"postID", post.ID,
			"sourceLabel", post.SourceLabel)

		return domain.Success(), nil
	}

	if len(post.Media) > MaxMediaGroupSize {
		t.log.WarnContext(ctx, "Dropping media above the media group limit",
			"chatID", chatID,
			"postID", post.ID,
			"mediaCount", len(post.Media),
			"limit", MaxMediaGroupSize)
	}

	slot := &responseSlot{}

	_, err := t.api.SendMediaGroup(withResponseSlot(ctx, slot), &bot.SendMediaGroupParams{
		ChatID: chatID,
		Media:  InputMedia(post),
	})
	if err == nil {
		return domain.Success(), nil
	}

	switch {
	case slot.transportErr != nil:
		return domain.PublishOutcome{}, &TransportError{Err: err}
	case slot.status != 0:
		return outcomeFromBody(slot.body), nil
	default:
		return outcomeFromError(err), nil
	}
}

// InputMedia converts the post media to Bot API input media, capped at MaxMediaGroupSize.
func InputMedia(post domain.Post) []models.InputMedia {
	mediaList := post.Media
	if len(mediaList) > MaxMediaGroupSize {
		mediaList = mediaList[:MaxMediaGroupSize]
	}

	var caption string
	var parseMode models.ParseMode

	if len(mediaList) > 0 {
		text, html := Caption(post)
		caption = text
		if html {
			parseMode = models.ParseModeHTML
		}
	}

	inputMedia := make([]models.InputMedia, 0, len(mediaList))

	for i, m := range mediaList {
		var itemCaption string
		var itemParseMode models.ParseMode

		if i == 0 {
			itemCaption = caption
			itemParseMode = parseMode
		}

		switch m.Kind {
		case domain.MediaVideo:
			inputMedia = append(inputMedia, &models.InputMediaVideo{
				Media:     m.URL,
				Caption:   itemCaption,
				ParseMode: itemParseMode,
			})
		default:
			inputMedia = append(inputMedia, &models.InputMediaPhoto{
				Media:     m.URL,
				Caption:   itemCaption,
				ParseMode: itemParseMode,
			})
		}
	}

	return inputMedia
}

func outcomeFromBody(body []byte) domain.PublishOutcome {
	var resp telegramErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ErrorCode == nil {
		return domain.Rejected(0, internalErrorMessage)
	}

	return domain.Rejected(*resp.ErrorCode, resp.Description)
}

// outcomeFromError maps library errors when the raw response was not captured.
func outcomeFromError(err error) domain.PublishOutcome {
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return domain.Rejected(http.StatusTooManyRequests, strings.TrimSpace(tooMany.Message))
	}

	sentinels := []struct {
		err  error
		code int
	}{
		{bot.ErrorBadRequest, http.StatusBadRequest},
		{bot.ErrorUnauthorized, http.StatusUnauthorized},
		{bot.ErrorForbidden, http.StatusForbidden},
		{bot.ErrorNotFound, http.StatusNotFound},
		{bot.ErrorConflict, http.StatusConflict},
	}

	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return domain.Rejected(s.code, err.Error())
		}
	}

	return domain.Rejected(0, internalErrorMessage)
}

type responseSlotKey struct{}

// responseSlot receives what capturingClient saw for one Bot API call.
type responseSlot struct {
	status       int
	body         []byte
	transportErr error
}

func withResponseSlot(ctx context.Context, slot *responseSlot) context.Context {
	return context.WithValue(ctx, responseSlotKey{}, slot)
}

// capturingClient records unsuccessful responses into the slot carried by the
// request context and hands an untouched copy of the body to the caller.
type capturingClient struct {
	client *http.Client
}

func (c *capturingClient) Do(req *http.Request) (*http.Response, error) {
	slot, _ := req.Context().Value(responseSlotKey{}).(*responseSlot)

	resp, err := c.client.Do(req)
	if err != nil {
		if slot != nil {
			slot.transportErr = err
		}

		return nil, err
	}

	if slot == nil || (resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()

	if err = errors.Join(err, closeErr); err != nil {
		slot.transportErr = err
		return nil, err
	}

	slot.status = resp.StatusCode
	slot.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return resp, nil
}
