package netmon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileSource reads the connectivity state from a small file, e.g. one
// maintained by a network manager hook. Content "online", "up", "1" or
// "true" means connected; "offline", "down", "0" or "false" means not.
// The file is watched with fsnotify.
type FileSource struct {
	Path   string
	Logger *zap.Logger
}

func (f *FileSource) logger() *zap.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return nopLogger
}

func (f *FileSource) Fetch(context.Context) (bool, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return false, err
	}
	return parseState(string(b))
}

func parseState(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "up", "1", "true":
		return true, nil
	case "offline", "down", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid connectivity state %q", s)
	}
}

func (f *FileSource) Watch(fn func(bool)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so that atomic replace (write + rename) is seen.
	if err := w.Add(filepath.Dir(f.Path)); err != nil {
		w.Close()
		return nil, err
	}

	target := filepath.Clean(f.Path)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != target || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				up, err := f.Fetch(context.Background())
				if err != nil {
					f.logger().Debug("unreadable connectivity file", zap.String("path", f.Path), zap.Error(err))
					continue
				}
				fn(up)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger().Warn("connectivity file watcher", zap.Error(err))
			}
		}
	}()

	return func() {
		w.Close()
		wg.Wait()
	}, nil
}
