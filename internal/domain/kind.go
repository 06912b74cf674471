package domain

import (
	"fmt"
	"path"
	"strings"
)

// EntityKind describes one family of synchronized documents.
// Every kind lives in its own remote folder and its own cache folder.
type EntityKind struct {
	Name   string `mapstructure:"name" json:"name"`
	Prefix string `mapstructure:"prefix" json:"prefix"`
	Folder string `mapstructure:"folder" json:"folder"`
}

// FileName returns "{Prefix}_{id}.json"
func (k EntityKind) FileName(id string) string {
	return fmt.Sprintf("%s_%s.json", k.Prefix, id)
}

// IDFromFileName is the inverse of FileName
func (k EntityKind) IDFromFileName(name string) (string, bool) {
	prefix := k.Prefix + "_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
	if id == "" {
		return "", false
	}
	return id, true
}

// RemoteFolder returns the logical folder holding this kind's documents
func (k EntityKind) RemoteFolder(baseFolder string) string {
	return path.Join(baseFolder, k.Folder)
}

// RemotePath returns "{baseFolder}/{Folder}/{Prefix}_{id}.json"
func (k EntityKind) RemotePath(baseFolder, id string) string {
	return path.Join(k.RemoteFolder(baseFolder), k.FileName(id))
}

// ValidateID rejects ids that cannot be used as a single path segment
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntity)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: id %q contains a path separator", ErrInvalidEntity, id)
	}
	return nil
}
