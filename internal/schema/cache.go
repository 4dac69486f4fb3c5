package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cache persists the rendered schema text so prompts can be built before the
// first live refresh of a session. Files are keyed by database identity and
// fully overwritten on every write, never merged.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Write replaces the cached schema text for the given database.
func (c *Cache) Write(database, rendered string) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	path := c.path(database)
	if err := os.WriteFile(path, []byte(rendered), 0o600); err != nil {
		return fmt.Errorf("write schema cache: %w", err)
	}
	return nil
}

// Read returns the cached schema text for the given database, or ok=false
// when no dump exists yet.
func (c *Cache) Read(database string) (string, bool, error) {
	data, err := os.ReadFile(c.path(database))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read schema cache: %w", err)
	}
	return string(data), true, nil
}

func (c *Cache) path(database string) string {
	return filepath.Join(c.dir, "schema_"+sanitizeKey(database)+".sql")
}

func sanitizeKey(database string) string {
	key := strings.TrimSpace(database)
	if key == "" {
		key = "default"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "..", "_")
	return replacer.Replace(key)
}
