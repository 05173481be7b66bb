package contract

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry from the roles file whenever it changes on
// disk. It blocks until ctx is cancelled, so callers run it in its own
// goroutine. A reload that fails to parse keeps the previous table.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors replace files
	// on save, which breaks a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			roles, err := parseFile(path)
			if err != nil {
				log.Printf("[contract] reload of %s failed, keeping previous roles: %v", path, err)
				continue
			}
			r.ReplaceAll(roles)
			log.Printf("[contract] reloaded %d roles from %s", len(roles), path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[contract] watch error: %v", err)
		}
	}
}
