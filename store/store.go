package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"boardsync/domain"
)

// Persistence is the external CRUD layer the engine drives. Implementations
// must return domain.ErrNotFound when the targeted item no longer exists.
type Persistence interface {
	PersistCreate(ctx context.Context, item domain.Item) (domain.Item, error)
	PersistMove(ctx context.Context, itemID, containerID string, position int) (domain.Item, error)
	PersistUpdate(ctx context.Context, itemID string, patch domain.ItemPatch) (domain.Item, error)
	PersistDelete(ctx context.Context, itemID string) error
	LoadItemsForResource(ctx context.Context, resourceID string) ([]domain.Item, error)
}

// positionStep is the gap left between neighbouring positions so that most
// mid-list inserts find room without renumbering.
const positionStep = 16

// Store owns the reordering algorithm over positioned items. All position
// computations for a resource are serialized so renumbering stays atomic with
// respect to concurrent reorders.
type Store struct {
	p  Persistence
	mu sync.Mutex
}

func New(p Persistence) *Store {
	return &Store{p: p}
}

// SortVisible orders items the way a container renders them: pinned items
// first, then unpinned, each group ascending by position.
func SortVisible(items []domain.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Pinned != items[j].Pinned {
			return items[i].Pinned
		}
		return items[i].Position < items[j].Position
	})
}

// VisibleList returns the rendered order of one container.
func VisibleList(items []domain.Item, containerID string) []domain.Item {
	list := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if it.ContainerID == containerID {
			list = append(list, it)
		}
	}
	SortVisible(list)
	return list
}

// Reorder moves an item to targetIndex within the visible list of the target
// container and returns the persisted item with its final position. Indexes
// beyond the list length clamp to append; an empty container yields position
// zero.
func (s *Store) Reorder(ctx context.Context, resourceID, itemID, targetContainerID string, targetIndex int) (domain.Item, error) {
	if !domain.ValidContainer(targetContainerID) {
		return domain.Item{}, domain.ValidationError{Field: "containerId", Reason: fmt.Sprintf("unknown container %q", targetContainerID)}
	}
	if targetIndex < 0 {
		return domain.Item{}, domain.ValidationError{Field: "index", Reason: "must not be negative"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.p.LoadItemsForResource(ctx, resourceID)
	if err != nil {
		return domain.Item{}, err
	}
	var moved *domain.Item
	for i := range items {
		if items[i].ID == itemID {
			moved = &items[i]
			break
		}
	}
	if moved == nil {
		return domain.Item{}, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}

	part, pinnedAhead := partition(items, targetContainerID, moved.Pinned, itemID)

	// Map the visible-list index into the moved item's pinned partition.
	idx := targetIndex
	if !moved.Pinned {
		idx -= pinnedAhead
		if idx < 0 {
			idx = 0
		}
	}
	if idx > len(part) {
		idx = len(part)
	}

	pos, ok := slotAt(part, idx)
	if !ok {
		if err := s.renumber(ctx, part, targetContainerID); err != nil {
			return domain.Item{}, err
		}
		pos, _ = slotAt(part, idx)
	}

	return s.p.PersistMove(ctx, itemID, targetContainerID, pos)
}

// PlaceNew computes the position for an item appended to the given container.
func (s *Store) PlaceNew(ctx context.Context, resourceID, containerID string, pinned bool) (int, error) {
	if !domain.ValidContainer(containerID) {
		return 0, domain.ValidationError{Field: "containerId", Reason: fmt.Sprintf("unknown container %q", containerID)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.p.LoadItemsForResource(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	part, _ := partition(items, containerID, pinned, "")
	if len(part) == 0 {
		return 0, nil
	}
	return part[len(part)-1].Position + positionStep, nil
}

// partition returns the items of one container sharing the given pinned flag,
// sorted ascending by position and excluding skipID, plus the count of pinned
// items ahead of the unpinned group in that container.
func partition(items []domain.Item, containerID string, pinned bool, skipID string) ([]domain.Item, int) {
	part := make([]domain.Item, 0, len(items))
	pinnedAhead := 0
	for _, it := range items {
		if it.ContainerID != containerID || it.ID == skipID {
			continue
		}
		if it.Pinned {
			pinnedAhead++
		}
		if it.Pinned == pinned {
			part = append(part, it)
		}
	}
	sort.Slice(part, func(i, j int) bool { return part[i].Position < part[j].Position })
	return part, pinnedAhead
}

// slotAt finds a position sorting at index idx of the partition. The second
// return value is false when no gap remains and the partition must be
// renumbered first.
func slotAt(part []domain.Item, idx int) (int, bool) {
	switch {
	case len(part) == 0:
		return 0, true
	case idx <= 0:
		return part[0].Position - positionStep, true
	case idx >= len(part):
		return part[len(part)-1].Position + positionStep, true
	default:
		prev := part[idx-1].Position
		next := part[idx].Position
		if next-prev < 2 {
			return 0, false
		}
		return prev + (next-prev)/2, true
	}
}

// renumber rewrites the partition with evenly spaced positions. Readers load
// straight from persistence without taking the store mutex, so the writes are
// ordered to keep the partition correctly sorted after every single one:
// items moving to a lower position go first, ascending, then items moving to
// a higher position, descending. A failure partway through leaves a sparser
// but still correctly ordered partition.
func (s *Store) renumber(ctx context.Context, part []domain.Item, containerID string) error {
	for i := range part {
		pos := (i + 1) * positionStep
		if pos >= part[i].Position {
			continue
		}
		if _, err := s.p.PersistMove(ctx, part[i].ID, containerID, pos); err != nil {
			return err
		}
		part[i].Position = pos
	}
	for i := len(part) - 1; i >= 0; i-- {
		pos := (i + 1) * positionStep
		if pos <= part[i].Position {
			continue
		}
		if _, err := s.p.PersistMove(ctx, part[i].ID, containerID, pos); err != nil {
			return err
		}
		part[i].Position = pos
	}
	return nil
}
