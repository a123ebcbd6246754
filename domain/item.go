package domain

// Workflow stages a board item can occupy.
const (
	ContainerPlanning    = "planning"
	ContainerDevelopment = "development"
	ContainerReview      = "review"
	ContainerDone        = "done"
)

var containers = map[string]struct{}{
	ContainerPlanning:    {},
	ContainerDevelopment: {},
	ContainerReview:      {},
	ContainerDone:        {},
}

// ValidContainer reports whether id names a known workflow stage.
func ValidContainer(id string) bool {
	_, ok := containers[id]
	return ok
}

// Item represents a single draggable board item.
type Item struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resourceId"`
	ContainerID string `json:"containerId"`
	Position    int    `json:"position"`
	Pinned      bool   `json:"pinned,omitempty"`
	Title       string `json:"title"`
	Notes       string `json:"notes,omitempty"`
	// UpdatedAt is the event timestamp of the last confirmed mutation and
	// doubles as the item version for last-write-wins comparisons.
	UpdatedAt int64 `json:"updatedAt"`
}

// ItemPatch carries partial updates for an item. Nil fields are untouched.
type ItemPatch struct {
	Title  *string `json:"title,omitempty"`
	Notes  *string `json:"notes,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
}

// HasFields reports whether the patch changes anything at all.
func (p ItemPatch) HasFields() bool {
	return p.Title != nil || p.Notes != nil || p.Pinned != nil
}

// FieldNames lists the fields the patch touches, in a fixed order.
func (p ItemPatch) FieldNames() []string {
	fields := make([]string, 0, 3)
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.Notes != nil {
		fields = append(fields, "notes")
	}
	if p.Pinned != nil {
		fields = append(fields, "pinned")
	}
	return fields
}

// Apply merges the patch into the item.
func (p ItemPatch) Apply(it *Item) {
	if p.Title != nil {
		it.Title = *p.Title
	}
	if p.Notes != nil {
		it.Notes = *p.Notes
	}
	if p.Pinned != nil {
		it.Pinned = *p.Pinned
	}
}
