package ratelimiter

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"platfoxbot/internal/domain"
	"platfoxbot/internal/publisher"
)

const (
	privateChatRate = time.Second
	groupChatRate   = 3 * time.Second
)

// RateLimiter spaces out sends to the same destination. It only waits;
// failed sends are never retried.
type RateLimiter struct {
	next     publisher.Publisher
	interval time.Duration
	lastSent map[string]time.Time
	mu       sync.Mutex
	log      *slog.Logger
}

// New wraps next. A positive interval overrides the per-chat default rates.
func New(next publisher.Publisher, interval time.Duration, log *slog.Logger) *RateLimiter {
	return &RateLimiter{
		next:     next,
		interval: interval,
		lastSent: make(map[string]time.Time),
		log:      log,
	}
}

func (rl *RateLimiter) Publish(
	ctx context.Context,
	chatID string,
	post domain.Post,
) (domain.PublishOutcome, error) {
	// Posts without media never reach the destination.
	if len(post.Media) == 0 {
		return rl.next.Publish(ctx, chatID, post)
	}

	rl.mu.Lock()
	lastSent, exists := rl.lastSent[chatID]
	rl.mu.Unlock()

	if exists {
		delay := getDelay(rl.rate(chatID), lastSent)

		if delay > 0 {
			rl.log.DebugContext(ctx, "Rate limiting post",
				"chatID", chatID,
				"delay", delay,
				"postID", post.ID)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()

				return domain.PublishOutcome{}, &publisher.TransportError{Err: ctx.Err()}
			}
		}
	}

	outcome, err := rl.next.Publish(ctx, chatID, post)

	rl.mu.Lock()
	rl.lastSent[chatID] = time.Now()
	rl.mu.Unlock()

	return outcome, err
}

func (rl *RateLimiter) rate(chatID string) time.Duration {
	if rl.interval > 0 {
		return rl.interval
	}

	return getRate(chatID)
}

func getDelay(
	rate time.Duration,
	lastSent time.Time,
) time.Duration {
	elapsed := time.Since(lastSent)

	return max(rate-elapsed, 0)
}

// getRate treats negative ids and @usernames as groups or channels.
func getRate(chatID string) time.Duration {
	chatID = strings.TrimSpace(chatID)
	if strings.HasPrefix(chatID, "-") || strings.HasPrefix(chatID, "@") {
		return groupChatRate
	}

	return privateChatRate
}
