package domain

import (
	"fmt"
	"strings"
	"time"
)

// Default workflow label of a freshly created module
const ChildStatusInProgress = "in-progress"

// Entity is the unit of synchronization: a Unit with its modules
type Entity struct {
	ID               string            `json:"id"`
	ProjectNumber    string            `json:"projectNumber"`
	Reference        string            `json:"reference"`
	Name             string            `json:"unitName"`
	CreatedBy        string            `json:"createdBy"`
	CreatedDate      time.Time         `json:"createdDate"`
	LastModifiedBy   string            `json:"lastModifiedBy"`
	LastModifiedDate time.Time         `json:"lastModifiedDate"`
	Version          int               `json:"version"`
	Children         map[string]*Child `json:"children"`
}

// Child represents a second-level grouping (a Module)
type Child struct {
	ID            string     `json:"id"`
	Name          string     `json:"moduleName"`
	AssignedTo    string     `json:"assignedTo"`
	Status        string     `json:"status"`
	ValidatedBy   string     `json:"validatedBy"`
	ValidatedDate *time.Time `json:"validatedDate,omitempty"`
	ApprovedBy    string     `json:"approvedBy"`
	ApprovedDate  *time.Time `json:"approvedDate,omitempty"`
	Items         []Item     `json:"items"`
}

// ValidationState is the first workflow stage of an item
type ValidationState struct {
	IsValidated       bool       `json:"isValidated"`
	ValidatedBy       string     `json:"validatedBy"`
	ValidatedDate     *time.Time `json:"validatedDate,omitempty"`
	ValidationComment string     `json:"validationComment"`
}

// ApprovalState is the optional second workflow stage layered on validation
type ApprovalState struct {
	IsApproved      bool       `json:"isApproved"`
	ApprovedBy      string     `json:"approvedBy"`
	ApprovedDate    *time.Time `json:"approvedDate,omitempty"`
	ApprovalComment string     `json:"approvalComment"`
}

// Item represents a leaf record (a CriticalPoint / checkpoint).
// Descriptive fields are immutable content and never take part in merges.
type Item struct {
	ID           int    `json:"id"`
	Category     string `json:"category"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Notes        string `json:"notes"`
	Priority     string `json:"priority"`
	IsApplicable bool   `json:"isApplicable"`

	ValidationState
	ApprovalState
}

// NewEntity builds an empty Version=1 entity stamped with attribution and now
func NewEntity(id, attribution string, now time.Time) *Entity {
	now = now.UTC()
	return &Entity{
		ID:               id,
		CreatedBy:        attribution,
		CreatedDate:      now,
		LastModifiedBy:   attribution,
		LastModifiedDate: now,
		Version:          1,
		Children:         make(map[string]*Child),
	}
}

// ModifiedAt returns the most recent workflow timestamp of the item
func (i *Item) ModifiedAt() time.Time {
	return latest(i.ValidatedDate, i.ApprovedDate)
}

// ModifiedAt returns the most recent workflow timestamp of the module itself
func (c *Child) ModifiedAt() time.Time {
	return latest(c.ValidatedDate, c.ApprovedDate)
}

// FindItem returns a pointer into Items for the given id, or nil
func (c *Child) FindItem(id int) *Item {
	for idx := range c.Items {
		if c.Items[idx].ID == id {
			return &c.Items[idx]
		}
	}
	return nil
}

// Clone returns a deep copy of the child
func (c *Child) Clone() *Child {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ValidatedDate = cloneTime(c.ValidatedDate)
	cp.ApprovedDate = cloneTime(c.ApprovedDate)
	cp.Items = make([]Item, len(c.Items))
	for idx, item := range c.Items {
		cp.Items[idx] = item.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the item
func (i Item) Clone() Item {
	i.ValidatedDate = cloneTime(i.ValidatedDate)
	i.ApprovedDate = cloneTime(i.ApprovedDate)
	return i
}

// Clone returns a deep copy of the entity
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Children = make(map[string]*Child, len(e.Children))
	for key, child := range e.Children {
		cp.Children[key] = child.Clone()
	}
	return &cp
}

// Validate checks the structural invariants of the entity
func (e *Entity) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: entity is nil", ErrInvalidEntity)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntity)
	}
	if e.Version < 1 {
		return fmt.Errorf("%w: version must be at least 1, got %d", ErrInvalidEntity, e.Version)
	}
	for key, child := range e.Children {
		if child == nil {
			return fmt.Errorf("%w: child %q is nil", ErrInvalidEntity, key)
		}
		if child.ID != "" && child.ID != key {
			return fmt.Errorf("%w: child key %q does not match id %q", ErrInvalidEntity, key, child.ID)
		}
		seen := make(map[int]struct{}, len(child.Items))
		for _, item := range child.Items {
			if _, dup := seen[item.ID]; dup {
				return fmt.Errorf("%w: duplicate item %d in child %q", ErrInvalidEntity, item.ID, key)
			}
			seen[item.ID] = struct{}{}
		}
	}
	return nil
}

func latest(a, b *time.Time) time.Time {
	var t time.Time
	if a != nil {
		t = *a
	}
	if b != nil && b.After(t) {
		t = *b
	}
	return t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
