package realtime

import (
	"context"
	"errors"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// FanoutNotifier delivers to every target; failures are joined, never short-circuited.
type FanoutNotifier struct {
	targets []out.Notifier
}

func NewFanoutNotifier(targets ...out.Notifier) *FanoutNotifier {
	f := &FanoutNotifier{}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

func (f *FanoutNotifier) Notify(ctx context.Context, n *domain.Notification) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ out.Notifier = (*FanoutNotifier)(nil)
