package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// MemoryNotifier records notifications in order. Used by tests and local runs.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []*domain.Notification
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (m *MemoryNotifier) Notify(_ context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.sent = append(m.sent, &cp)
	return nil
}

func (m *MemoryNotifier) All() []*domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Notification(nil), m.sent...)
}

// Filter returns the notifications of type t for the given account.
func (m *MemoryNotifier) Filter(accountID uuid.UUID, t domain.NotificationType) []*domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*domain.Notification
	for _, n := range m.sent {
		if n.AccountID == accountID && n.Type == t {
			res = append(res, n)
		}
	}
	return res
}

func (m *MemoryNotifier) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

var _ out.Notifier = (*MemoryNotifier)(nil)
