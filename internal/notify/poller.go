// Package notify keeps the notification center's list and unread count fresh
// while the notification surface is open.
package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/history"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

// Poller errors.
var (
	ErrPollerAlreadyOpen = errors.New("notification poller already open")
	ErrPollerNotOpen     = errors.New("notification poller not open")
)

// DefaultInterval is how often notifications are refreshed while open.
const DefaultInterval = 30 * time.Second

// Poller refreshes notifications on a fixed interval between Open and Close.
type Poller struct {
	api      history.NotificationAPI
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	open   bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
	items  []types.Notification
	unread int
	// pending holds ids marked read locally whose acknowledgement has not
	// been reflected by a fetch yet.
	pending map[string]struct{}
}

// NewPoller creates a Poller. A non-positive interval selects
// DefaultInterval.
func NewPoller(api history.NotificationAPI, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		api:      api,
		interval: interval,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}
}

// Open fetches immediately and then on every tick until Close.
func (p *Poller) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		return ErrPollerAlreadyOpen
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.open = true

	p.logger.Debug().Dur("interval", p.interval).Msg("notification poller opening")

	p.wg.Add(1)
	go p.runLoop(ctx)

	return nil
}

// Close stops polling and waits for an in-flight refresh to finish.
func (p *Poller) Close() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrPollerNotOpen
	}
	p.cancel()
	p.open = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug().Msg("notification poller closed")
	return nil
}

// IsOpen returns true while the poller is running.
func (p *Poller) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.open
}

func (p *Poller) runLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

// Refresh fetches notifications once.
func (p *Poller) Refresh(ctx context.Context) error {
	list, err := p.api.FetchNotifications(ctx)
	if err != nil {
		return err
	}
	p.apply(list)
	return nil
}

func (p *Poller) refresh(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("failed to refresh notifications")
	}
}

// apply stores a fetched list, keeping local read marks the server has not
// caught up with yet.
func (p *Poller) apply(list types.NotificationList) {
	p.mu.Lock()
	defer p.mu.Unlock()

	items := slices.Clone(list.Notifications)
	unread := list.UnreadCount
	for i := range items {
		if _, ok := p.pending[items[i].Id]; !ok {
			continue
		}
		if items[i].Read {
			delete(p.pending, items[i].Id)
			continue
		}
		items[i].Read = true
		unread--
	}

	p.items = items
	p.unread = max(unread, 0)
}

// MarkRead marks a notification read locally before acknowledging it. The
// local mark is dropped if the acknowledgement fails.
func (p *Poller) MarkRead(ctx context.Context, id string) error {
	p.mu.Lock()
	i := slices.IndexFunc(p.items, func(n types.Notification) bool { return n.Id == id })
	wasUnread := i >= 0 && !p.items[i].Read
	if wasUnread {
		p.items[i].Read = true
		p.unread = max(p.unread-1, 0)
		p.pending[id] = struct{}{}
	}
	p.mu.Unlock()

	if err := p.api.MarkNotificationRead(ctx, id); err != nil {
		if wasUnread {
			p.mu.Lock()
			delete(p.pending, id)
			if j := slices.IndexFunc(p.items, func(n types.Notification) bool { return n.Id == id }); j >= 0 && p.items[j].Read {
				p.items[j].Read = false
				p.unread++
			}
			p.mu.Unlock()
		}
		return err
	}
	return nil
}

// UnreadCount returns the badge count.
func (p *Poller) UnreadCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.unread
}

// Items returns a copy of the last fetched notifications.
func (p *Poller) Items() []types.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.items)
}
