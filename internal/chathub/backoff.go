package chathub

import (
	"context"
	"log/slog"
	"time"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/transport"

	"github.com/jonboulle/clockwork"
)

// BackoffDelay returns the wait before reconnect attempt number attempt
// (zero based): 1s, 2s, 4s, then 8s from there on.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := config.ReconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= config.ReconnectMaxDelay {
			return config.ReconnectMaxDelay
		}
	}
	return delay
}

// LinkSupervisor restores a dropped signaling link. A failed reconnect
// counts as another drop; a successful one resets the attempt counter.
// After MaxAttempts consecutive failures it gives up and calls OnLost.
type LinkSupervisor struct {
	Endpoint    transport.Endpoint
	Clock       clockwork.Clock
	MaxAttempts int
	Logger      *slog.Logger

	OnLost func(err error)
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration)
}

func (l *LinkSupervisor) Run(ctx context.Context) {
	const op = "chathub.LinkSupervisor.Run"

	log := logger.OrDefault(l.Logger).With(slog.String("op", op))
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.MaxReconnectAttempts
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.Endpoint.Events():
			if ev.Type != transport.LinkDropped {
				continue
			}
		}

		log.Warn("signaling link dropped, reconnecting")
		if !l.recover(ctx, log, maxAttempts) {
			return
		}
	}
}

// recover returns false when the supervisor should stop.
func (l *LinkSupervisor) recover(ctx context.Context, log *slog.Logger, maxAttempts int) bool {
	for attempt := 0; ; attempt++ {
		if attempt >= maxAttempts {
			log.Error("giving up on signaling link", slog.Int("attempts", attempt))
			if l.OnLost != nil {
				l.OnLost(ErrSignalingLinkLost)
			}
			return false
		}

		delay := BackoffDelay(attempt)
		if l.OnRetry != nil {
			l.OnRetry(attempt, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-l.Clock.After(delay):
		}

		err := l.Endpoint.Reconnect(ctx)
		if err == nil {
			log.Info("signaling link restored", slog.Int("attempt", attempt+1))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Warn("reconnect failed", slog.Int("attempt", attempt+1), logger.Err(err))
	}
}
