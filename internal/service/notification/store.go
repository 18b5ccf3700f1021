package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

const loadMoreKey = "load-more"

type Config struct {
	PageSize int
}

// Snapshot is a read-only view of the store. Callers sharing one LoadMore
// receive the same Snapshot and must not modify it.
type Snapshot struct {
	Notifications      []model.Notification   `json:"notifications"`
	UnreadCount        int                    `json:"unreadCount"`
	UnreadByPriority   map[model.Priority]int `json:"unreadByPriority"`
	HasMore            bool                   `json:"hasMore"`
	TotalCount         int                    `json:"totalCount"`
	OriginalTotalCount int                    `json:"originalTotalCount"`
	IsLoading          bool                   `json:"isLoading"`
	IsLoadingMore      bool                   `json:"isLoadingMore"`
	Error              *string                `json:"error"`
}

type entry struct {
	n model.Notification
	// pushGen is the refresh generation a push event last touched this
	// entry in; zero for entries that only came from REST pages.
	pushGen uint64
	pushed  bool
}

// Store holds the merged notification list of one session: paginated REST
// history plus live push events.
type Store struct {
	api     API
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu               sync.Mutex
	order            []string
	items            map[string]*entry
	tombstones       map[string]*tombstone
	confirmedRead    map[string]struct{}
	unread           int
	unreadByPriority map[model.Priority]int
	arrivals         int
	cursor           string
	hasMore          bool
	loaded           bool
	loading          bool
	loadingMore      bool
	lastErr          error
	gen              uint64
}

// tombstone keeps a deleted entry and its position until the backend
// confirms the delete. counted is set once the entry's unread state has
// been taken off the counters.
type tombstone struct {
	entry     *entry
	index     int
	counted   bool
	deletedAt time.Time
}

func NewStore(api API, cfg Config, log *logger.Logger, m *metrics.Metrics) *Store {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		api:              api,
		cfg:              cfg,
		logger:           log.WithComponent("notification_store"),
		metrics:          m,
		ctx:              ctx,
		cancel:           cancel,
		items:            make(map[string]*entry),
		tombstones:       make(map[string]*tombstone),
		confirmedRead:    make(map[string]struct{}),
		unreadByPriority: emptyBuckets(),
		hasMore:          true,
	}
}

func emptyBuckets() map[model.Priority]int {
	b := make(map[model.Priority]int, len(model.Priorities))
	for _, p := range model.Priorities {
		b[p] = 0
	}
	return b
}

// Close cancels in-flight fetches. Later fetches fail with context.Canceled.
func (s *Store) Close() {
	s.cancel()
}

// Loaded reports whether a first page has been applied.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// LoadMore fetches the next page, or the first page if nothing is loaded
// yet. Overlapping calls share a single fetch and its result.
func (s *Store) LoadMore(ctx context.Context) (Snapshot, error) {
	ch := s.group.DoChan(loadMoreKey, func() (interface{}, error) {
		return s.loadMore()
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		snap, _ := res.Val.(Snapshot)
		return snap, res.Err
	}
}

func (s *Store) loadMore() (Snapshot, error) {
	s.mu.Lock()
	if s.loaded && !s.hasMore {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	gen := s.gen
	cursor := s.cursor
	first := !s.loaded
	kind := "next_page"
	if first {
		kind = "first_page"
		s.loading = true
	} else {
		s.loadingMore = true
	}
	s.mu.Unlock()

	page, err := s.api.List(s.ctx, model.NotificationQuery{Size: s.cfg.PageSize, Cursor: cursor})

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		s.metrics.NotificationFetches.WithLabelValues(kind, "stale").Inc()
		s.logger.Debug("discarding page from before refresh", "cursor", cursor)
		return s.snapshotLocked(), nil
	}
	if first {
		s.loading = false
	} else {
		s.loadingMore = false
	}
	if err != nil {
		s.lastErr = err
		s.metrics.NotificationFetches.WithLabelValues(kind, "error").Inc()
		return s.snapshotLocked(), err
	}

	s.metrics.NotificationFetches.WithLabelValues(kind, "ok").Inc()
	s.lastErr = nil
	s.applyPageLocked(page, cursor == "")
	return s.snapshotLocked(), nil
}

// Refresh drops every loaded page and fetches history again from the start.
// Pages still in flight from before the refresh are discarded.
func (s *Store) Refresh(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.loading = true
	s.loadingMore = false
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	page, err := s.api.List(ctx, model.NotificationQuery{Size: s.cfg.PageSize})

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		s.metrics.NotificationFetches.WithLabelValues("refresh", "stale").Inc()
		return s.snapshotLocked(), nil
	}
	s.loading = false
	if err != nil {
		s.lastErr = err
		s.metrics.NotificationFetches.WithLabelValues("refresh", "error").Inc()
		return s.snapshotLocked(), err
	}

	s.metrics.NotificationFetches.WithLabelValues("refresh", "ok").Inc()
	s.lastErr = nil
	s.applyPageLocked(page, true)
	return s.snapshotLocked(), nil
}

// applyPageLocked merges a REST page. A baseline page (the first page of a
// load or refresh) replaces the list and the server counters; entries pushed
// since the current generation began are kept on top.
func (s *Store) applyPageLocked(page *model.NotificationPage, baseline bool) {
	kept := map[string]bool{}
	if baseline {
		order := make([]string, 0, len(s.order))
		items := make(map[string]*entry, len(s.items))
		for _, id := range s.order {
			e := s.items[id]
			if e.pushed && e.pushGen == s.gen {
				order = append(order, id)
				items[id] = e
				kept[id] = false
			}
		}
		s.order = order
		s.items = items
		s.arrivals = len(order)
		s.unread = page.UnreadCount
		s.unreadByPriority = emptyBuckets()
		for p, c := range page.UnreadByPriority {
			s.unreadByPriority[p] = c
		}
	}

	for _, n := range page.Items {
		s.arrivals++

		if n.IsRead {
			s.confirmedRead[n.ID] = struct{}{}
		}
		// soft-deleted on the server, possibly from another device
		if n.DeletedAt != nil {
			if e, ok := s.items[n.ID]; ok {
				s.removeLocked(n.ID)
				if _, wasKept := kept[n.ID]; wasKept {
					kept[n.ID] = true
				}
				if !e.n.IsRead && !baseline {
					s.decUnreadLocked(e.n.Priority)
				}
			}
			continue
		}
		if ts, gone := s.tombstones[n.ID]; gone {
			if !n.IsRead && (baseline || !ts.counted) {
				s.decUnreadLocked(n.Priority)
			}
			ts.counted = true
			if ts.entry == nil {
				deleted := n
				deleted.DeletedAt = timePtr(ts.deletedAt)
				ts.entry = &entry{n: deleted}
				ts.index = len(s.order)
			}
			continue
		}
		if _, ok := s.confirmedRead[n.ID]; ok && !n.IsRead {
			n.IsRead = true
			// Server counters still include it unless an earlier page
			// already brought it in.
			if _, known := s.items[n.ID]; baseline || !known {
				s.decUnreadLocked(n.Priority)
			}
		}

		if e, ok := s.items[n.ID]; ok {
			if _, wasKept := kept[n.ID]; wasKept {
				kept[n.ID] = true
			}
			switch {
			case e.n.IsRead && !n.IsRead:
				n.IsRead = true
				if baseline {
					s.decUnreadLocked(n.Priority)
				}
			case !e.n.IsRead && n.IsRead && !baseline:
				s.decUnreadLocked(e.n.Priority)
			}
			e.n = n
			continue
		}

		s.items[n.ID] = &entry{n: n}
		s.order = append(s.order, n.ID)
	}

	// Pushes that arrived during the fetch and are missing from the
	// baseline page were not in the server counters.
	for id, inPage := range kept {
		if e := s.items[id]; !inPage && !e.n.IsRead {
			s.incUnreadLocked(e.n.Priority)
		}
	}

	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	s.loaded = true
}

// Merge applies a live notification. Unknown ids go to the head of the
// list; known ids are replaced in place and never lose their read state.
func (s *Store) Merge(n model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.arrivals++
	if _, gone := s.tombstones[n.ID]; gone {
		return
	}
	if _, ok := s.confirmedRead[n.ID]; ok {
		n.IsRead = true
	}

	if e, ok := s.items[n.ID]; ok {
		if e.n.IsRead {
			n.IsRead = true
		}
		if !e.n.IsRead {
			s.decUnreadLocked(e.n.Priority)
		}
		if !n.IsRead {
			s.incUnreadLocked(n.Priority)
		}
		e.n = n
		e.pushed = true
		e.pushGen = s.gen
		return
	}

	s.items[n.ID] = &entry{n: n, pushed: true, pushGen: s.gen}
	s.order = append([]string{n.ID}, s.order...)
	if !n.IsRead {
		s.incUnreadLocked(n.Priority)
	}
}

// HandleEvent merges a push event. It has the events.Handler signature.
func (s *Store) HandleEvent(ev events.Event) {
	s.Merge(FromEvent(ev))
}

// MarkAsRead marks one notification read immediately and reverts the
// change if the backend rejects it.
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.items[id]
	_, confirmed := s.confirmedRead[id]
	if ok && e.n.IsRead && confirmed {
		s.mu.Unlock()
		return nil
	}
	changed := ok && !e.n.IsRead
	if changed {
		e.n.IsRead = true
		s.decUnreadLocked(e.n.Priority)
	}
	s.mu.Unlock()

	err := s.api.MarkAsRead(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if changed {
			s.revertReadLocked(id)
		}
		s.metrics.NotificationRollbacks.WithLabelValues("mark_read").Inc()
		s.logger.Warn("reverting mark as read", "notification_id", id, "error", err.Error())
		return err
	}
	s.confirmedRead[id] = struct{}{}
	// A refresh during the call may have brought the entry back unread.
	if e, ok := s.items[id]; ok && !e.n.IsRead {
		e.n.IsRead = true
		s.decUnreadLocked(e.n.Priority)
	}
	return nil
}

func (s *Store) MarkAllAsRead(ctx context.Context) error {
	return s.markAll(ctx, "")
}

func (s *Store) MarkAllAsReadByPriority(ctx context.Context, priority model.Priority) error {
	if !priority.Valid() {
		return errors.BadRequest(fmt.Sprintf("unknown priority %q", priority), nil)
	}
	return s.markAll(ctx, priority)
}

func (s *Store) markAll(ctx context.Context, priority model.Priority) error {
	s.mu.Lock()
	var changed []string
	for _, id := range s.order {
		e := s.items[id]
		if e.n.IsRead || (priority != "" && e.n.Priority != priority) {
			continue
		}
		e.n.IsRead = true
		changed = append(changed, id)
	}

	removed := emptyBuckets()
	removedTotal := 0
	if priority == "" {
		removedTotal = s.unread
		for p, c := range s.unreadByPriority {
			removed[p] = c
		}
		s.unread = 0
		s.unreadByPriority = emptyBuckets()
	} else {
		removedTotal = min(s.unread, s.unreadByPriority[priority])
		removed[priority] = s.unreadByPriority[priority]
		s.unread -= removedTotal
		s.unreadByPriority[priority] = 0
	}
	gen := s.gen
	s.mu.Unlock()

	err := s.api.MarkAllAsRead(ctx, priority)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if gen != s.gen {
			// A refresh reset the counters from the server; only entries
			// still marked locally are reverted and counted again.
			for _, id := range changed {
				s.revertReadLocked(id)
			}
		} else {
			for _, id := range changed {
				if e, ok := s.items[id]; ok {
					if _, confirmed := s.confirmedRead[id]; !confirmed {
						e.n.IsRead = false
					}
				}
			}
			s.unread += removedTotal
			for p, c := range removed {
				s.unreadByPriority[p] += c
			}
		}
		s.metrics.NotificationRollbacks.WithLabelValues("mark_all_read").Inc()
		s.logger.Warn("reverting mark all as read", "priority", string(priority), "error", err.Error())
		return err
	}

	for _, id := range changed {
		s.confirmedRead[id] = struct{}{}
		if e, ok := s.items[id]; ok && !e.n.IsRead {
			e.n.IsRead = true
			s.decUnreadLocked(e.n.Priority)
		}
	}
	return nil
}

// DeleteNotification hides a notification immediately and restores it if
// the backend rejects the delete.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, gone := s.tombstones[id]; gone {
		s.mu.Unlock()
		return nil
	}
	ts := &tombstone{index: -1, deletedAt: time.Now().UTC()}
	if e, ok := s.items[id]; ok {
		e.n.DeletedAt = timePtr(ts.deletedAt)
		ts.entry = e
		ts.index = s.removeLocked(id)
		ts.counted = true
		if !e.n.IsRead {
			s.decUnreadLocked(e.n.Priority)
		}
	}
	s.tombstones[id] = ts
	s.mu.Unlock()

	err := s.api.Delete(ctx, id)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tombstones, id)
	if ts.entry != nil {
		ts.entry.n.DeletedAt = nil
		if _, back := s.items[id]; !back {
			idx := min(ts.index, len(s.order))
			s.order = append(s.order[:idx], append([]string{id}, s.order[idx:]...)...)
			s.items[id] = ts.entry
			if !ts.entry.n.IsRead {
				s.incUnreadLocked(ts.entry.n.Priority)
			}
		}
	}
	s.metrics.NotificationRollbacks.WithLabelValues("delete").Inc()
	s.logger.Warn("restoring deleted notification", "notification_id", id, "error", err.Error())
	return err
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func (s *Store) removeLocked(id string) int {
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return i
		}
	}
	return len(s.order)
}

func (s *Store) revertReadLocked(id string) {
	if _, confirmed := s.confirmedRead[id]; confirmed {
		return
	}
	if e, ok := s.items[id]; ok && e.n.IsRead {
		e.n.IsRead = false
		s.incUnreadLocked(e.n.Priority)
	}
}

func (s *Store) incUnreadLocked(p model.Priority) {
	s.unread++
	s.unreadByPriority[p]++
}

func (s *Store) decUnreadLocked(p model.Priority) {
	if s.unread > 0 {
		s.unread--
	}
	if s.unreadByPriority[p] > 0 {
		s.unreadByPriority[p]--
	}
}

func (s *Store) snapshotLocked() Snapshot {
	list := make([]model.Notification, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.items[id].n)
	}
	buckets := make(map[model.Priority]int, len(s.unreadByPriority))
	for p, c := range s.unreadByPriority {
		buckets[p] = c
	}

	snap := Snapshot{
		Notifications:      list,
		UnreadCount:        s.unread,
		UnreadByPriority:   buckets,
		HasMore:            s.hasMore,
		TotalCount:         len(s.order),
		OriginalTotalCount: s.arrivals,
		IsLoading:          s.loading,
		IsLoadingMore:      s.loadingMore,
	}
	if s.lastErr != nil {
		msg := s.lastErr.Error()
		snap.Error = &msg
	}
	return snap
}
