package domain

import (
	"encoding/json"
	"fmt"
)

// MarshalEntity encodes an entity in the shared document format
func MarshalEntity(e *Entity) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	return data, nil
}

// UnmarshalEntity decodes and validates a document.
// Any failure wraps ErrCorruptDocument.
func UnmarshalEntity(data []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if e.Children == nil {
		e.Children = make(map[string]*Child)
	}
	for key, child := range e.Children {
		if child != nil && child.ID == "" {
			child.ID = key
		}
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return &e, nil
}
