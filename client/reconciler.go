package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/store"
)

// Loader refetches full resource state, used to resync after a gap in the
// event stream. The channel does not replay history.
type Loader interface {
	LoadItemsForResource(ctx context.Context, resourceID string) ([]domain.Item, error)
}

// SendFunc issues the mutation request against the gateway and returns the
// canonical item.
type SendFunc func(ctx context.Context) (domain.Item, error)

const defaultMutationTimeout = 10 * time.Second

// state of one local item mirror.
type mirrorState int

const (
	stateConfirmed mirrorState = iota
	statePending
)

type mirror struct {
	confirmed domain.Item
	guess     domain.Item
	state     mirrorState
	seq       uint64
}

func (m *mirror) view() domain.Item {
	if m.state == statePending {
		return m.guess
	}
	return m.confirmed
}

// Reconciler mirrors one resource's items on a client. User mutations are
// applied optimistically and reconciled against the server's confirmed state;
// server truth always wins over the local guess.
type Reconciler struct {
	resourceID string
	loader     Loader
	log        *log.Logger
	timeout    time.Duration
	onChange   func()

	mu      sync.Mutex
	items   map[string]*mirror
	applied map[string]int64 // last confirmed event time per entity
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTimeout overrides the mutation response timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithChangeHook registers a callback invoked after every local state change,
// so a UI can re-render derived container views.
func WithChangeHook(fn func()) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

func New(resourceID string, loader Loader, logger *log.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Reconciler{
		resourceID: resourceID,
		loader:     loader,
		log:        logger,
		timeout:    defaultMutationTimeout,
		items:      make(map[string]*mirror),
		applied:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) notifyChange() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Resync replaces the whole mirror with freshly loaded server state. Pending
// optimistic guesses are dropped; the server is the source of truth after a
// gap.
func (r *Reconciler) Resync(ctx context.Context) error {
	items, err := r.loader.LoadItemsForResource(ctx, r.resourceID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.items = make(map[string]*mirror, len(items))
	for _, it := range items {
		r.items[it.ID] = &mirror{confirmed: it}
		if it.UpdatedAt > r.applied[it.ID] {
			r.applied[it.ID] = it.UpdatedAt
		}
	}
	r.mu.Unlock()
	r.notifyChange()
	return nil
}

// Item returns the current local view of one item.
func (r *Reconciler) Item(id string) (domain.Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[id]
	if !ok {
		return domain.Item{}, false
	}
	return m.view(), true
}

// Items returns the local view of all items in visible order.
func (r *Reconciler) Items() []domain.Item {
	r.mu.Lock()
	items := make([]domain.Item, 0, len(r.items))
	for _, m := range r.items {
		items = append(items, m.view())
	}
	r.mu.Unlock()
	store.SortVisible(items)
	return items
}

// ContainerView returns the local view of one container in visible order.
func (r *Reconciler) ContainerView(containerID string) []domain.Item {
	return store.VisibleList(r.Items(), containerID)
}

// Move applies the move optimistically, issues the request via send, and
// reconciles. On failure or timeout the pre-move snapshot is restored and the
// error returned; a success response arriving after the timeout rollback is
// still applied as fresh confirmed state.
func (r *Reconciler) Move(ctx context.Context, itemID, containerID string, index int, send SendFunc) (domain.Item, error) {
	guessPos := r.guessPosition(containerID, index, itemID)
	return r.mutate(ctx, itemID, func(it *domain.Item) {
		it.ContainerID = containerID
		it.Position = guessPos
	}, send)
}

// Update applies a field patch optimistically and reconciles like Move.
func (r *Reconciler) Update(ctx context.Context, itemID string, patch domain.ItemPatch, send SendFunc) (domain.Item, error) {
	return r.mutate(ctx, itemID, func(it *domain.Item) {
		patch.Apply(it)
	}, send)
}

func (r *Reconciler) mutate(ctx context.Context, itemID string, applyGuess func(*domain.Item), send SendFunc) (domain.Item, error) {
	r.mu.Lock()
	m, ok := r.items[itemID]
	if !ok {
		r.mu.Unlock()
		return domain.Item{}, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	guess := m.view()
	applyGuess(&guess)
	m.guess = guess
	m.state = statePending
	m.seq++
	seq := m.seq
	r.mu.Unlock()
	r.notifyChange()

	type outcome struct {
		item domain.Item
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		item, err := send(ctx)
		done <- outcome{item: item, err: err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			r.rollback(itemID, seq)
			return domain.Item{}, out.err
		}
		r.confirm(out.item)
		return out.item, nil
	case <-timer.C:
		r.rollback(itemID, seq)
		go func() {
			// A late success must still land as fresh confirmed state.
			out := <-done
			if out.err == nil {
				r.confirm(out.item)
			}
		}()
		return domain.Item{}, domain.TransientError{Op: "mutation " + itemID, Err: context.DeadlineExceeded}
	}
}

// rollback restores the last confirmed snapshot, unless a confirmed event or
// a newer mutation already superseded this attempt.
func (r *Reconciler) rollback(itemID string, seq uint64) {
	r.mu.Lock()
	m, ok := r.items[itemID]
	if ok && m.state == statePending && m.seq == seq {
		m.state = stateConfirmed
		m.guess = domain.Item{}
	}
	r.mu.Unlock()
	r.notifyChange()
}

// confirm adopts a server-returned canonical item, which may differ from the
// local guess. Stale responses (older than what is already confirmed) are
// ignored.
func (r *Reconciler) confirm(item domain.Item) {
	r.mu.Lock()
	m, ok := r.items[item.ID]
	if !ok {
		m = &mirror{}
		r.items[item.ID] = m
	}
	if item.UpdatedAt < r.applied[item.ID] {
		r.mu.Unlock()
		return
	}
	m.confirmed = item
	m.state = stateConfirmed
	m.guess = domain.Item{}
	r.applied[item.ID] = item.UpdatedAt
	r.mu.Unlock()
	r.notifyChange()
}

// ApplyEvent folds a server-pushed event into the mirror. Application is
// idempotent: replaying a delivered event is a no-op. Confirmed events win
// unconditionally over pending optimistic state. It returns true when local
// state changed.
func (r *Reconciler) ApplyEvent(ev domain.Event) (bool, error) {
	if ev.ResourceID != r.resourceID {
		return false, fmt.Errorf("event for resource %s applied to mirror of %s", ev.ResourceID, r.resourceID)
	}
	switch ev.Type {
	case domain.ItemCreated, domain.ItemUpdated, domain.ItemMoved:
		var item domain.Item
		if err := json.Unmarshal(ev.Data, &item); err != nil {
			return false, err
		}
		r.mu.Lock()
		if ev.Time <= r.applied[ev.EntityID] {
			r.mu.Unlock()
			return false, nil
		}
		m, ok := r.items[item.ID]
		if !ok {
			m = &mirror{}
			r.items[item.ID] = m
		}
		m.confirmed = item
		m.state = stateConfirmed
		m.guess = domain.Item{}
		r.applied[ev.EntityID] = ev.Time
		r.mu.Unlock()
		r.notifyChange()
		return true, nil
	case domain.ItemDeleted:
		r.mu.Lock()
		if ev.Time <= r.applied[ev.EntityID] {
			r.mu.Unlock()
			return false, nil
		}
		_, existed := r.items[ev.EntityID]
		delete(r.items, ev.EntityID)
		r.applied[ev.EntityID] = ev.Time
		r.mu.Unlock()
		if existed {
			r.notifyChange()
		}
		return existed, nil
	default:
		// Presence and cosmetic events do not touch the item mirror.
		return false, nil
	}
}

// Run consumes events from a room subscription until the channel closes or
// the context ends. A closed channel means the hub dropped this client; the
// caller must rejoin and Resync.
func (r *Reconciler) Run(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := r.ApplyEvent(ev); err != nil {
				r.log.WithFields(log.Fields{"resource": r.resourceID, "type": ev.Type}).
					Errorf("apply event: %v", err)
			}
		}
	}
}

// guessPosition estimates where the server will place the item. Collisions
// are tolerable: the confirmed event overwrites the guess.
func (r *Reconciler) guessPosition(containerID string, index int, skipID string) int {
	list := make([]domain.Item, 0)
	r.mu.Lock()
	for _, m := range r.items {
		it := m.view()
		if it.ContainerID == containerID && it.ID != skipID {
			list = append(list, it)
		}
	}
	r.mu.Unlock()
	store.SortVisible(list)

	switch {
	case len(list) == 0:
		return 0
	case index <= 0:
		return list[0].Position - 1
	case index >= len(list):
		return list[len(list)-1].Position + 1
	default:
		return list[index-1].Position + (list[index].Position-list[index-1].Position)/2
	}
}
