package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Credentials lists and removes the session files in a directory. Each
// <id>.session file is one identity.
type Credentials struct {
	Dir string
	// Exclude names sessions that are not relay accounts, such as a bot's.
	Exclude []string
}

const sessionExt = ".session"

// List returns the ids of every session file, sorted.
func (c *Credentials) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: read session dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != sessionExt {
			continue
		}
		id := e.Name()[:len(e.Name())-len(sessionExt)]
		if id == "" || slices.Contains(c.Exclude, id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Ref returns the session file path for id.
func (c *Credentials) Ref(id string) string {
	return filepath.Join(c.Dir, id+sessionExt)
}

// Remove deletes id's session file.
func (c *Credentials) Remove(id string) error {
	return os.Remove(c.Ref(id))
}
