package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type nopSink struct{}

func (nopSink) Notify(context.Context, domain.Notification) error { return nil }

// StoreSink keeps notifications in the store so clients can list them.
type StoreSink struct {
	repo domain.NotificationRepository
}

func NewStoreSink(repo domain.NotificationRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) Notify(ctx context.Context, n domain.Notification) error {
	return s.repo.CreateNotification(ctx, n)
}

// FanOut delivers to every sink and joins their errors.
type FanOut []domain.NotificationSink

func (f FanOut) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver sends n and swallows the failure after logging it.
func deliver(ctx context.Context, sink domain.NotificationSink, n domain.Notification, logger *slog.Logger, m *Metrics) {
	if err := sink.Notify(ctx, n); err != nil {
		m.notifyFailures.Inc()
		logger.Warn("notification delivery failed",
			"scope", n.Scope, "audience", n.Audience, "kind", n.Kind, "error", err)
	}
}
