package file

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// collection stores one JSON document per key under root/name. Keys are
// encoded so they can hold any character.
type collection[T any] struct {
	mu  sync.RWMutex
	dir string
}

func newCollection[T any](root, name string) *collection[T] {
	return &collection[T]{dir: path.Join(root, name)}
}

func (c *collection[T]) filename(key string) string {
	return path.Join(c.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+".json")
}

// load returns fs.ErrNotExist when the key is absent.
func (c *collection[T]) load(key string) (*T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.read(c.filename(key))
}

func (c *collection[T]) read(filename string) (*T, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var value T

	err = json.Unmarshal(data, &value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(filename), err)
	}

	return &value, nil
}

func (c *collection[T]) store(key string, value *T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.write(key, value)
}

func (c *collection[T]) write(key string, value *T) error {
	err := os.MkdirAll(c.dir, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.dir, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	// Write then rename so readers never see a partial document.
	tmp := c.filename(key) + ".tmp"

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return err
	}

	return os.Rename(tmp, c.filename(key))
}

// update loads, mutates and stores a document under one lock. fn receives nil
// when the key is absent and returns false to skip the write.
func (c *collection[T]) update(key string, fn func(current *T) (*T, bool, error)) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.read(c.filename(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	next, write, err := fn(current)
	if err != nil || !write {
		return false, err
	}

	return true, c.write(key, next)
}

func (c *collection[T]) remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return os.Remove(c.filename(key))
}

func (c *collection[T]) all() ([]*T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*T{}, nil
		}

		return nil, err
	}

	values := make([]*T, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		value, err := c.read(path.Join(c.dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		values = append(values, value)
	}

	return values, nil
}
