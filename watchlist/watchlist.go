// Package watchlist exposes a YAML symbol watchlist file as an MCP
// resource. The file is watched for changes and sessions are notified so
// clients can re-read without polling.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/brokergate/brokergate/mcp"
)

// URI is the resource identifier for the watchlist.
const URI = "watchlist://default"

// Group is one named set of symbols.
type Group struct {
	Name    string   `yaml:"name" json:"name"`
	Symbols []string `yaml:"symbols" json:"symbols"`
}

type document struct {
	Groups []Group `yaml:"groups"`
}

// Resource is a live watchlist backed by a file on disk.
type Resource struct {
	path string
	log  *slog.Logger

	mu     sync.RWMutex
	groups []Group

	subMu sync.Mutex
	subs  map[int]chan struct{}
	nextS int
}

// New loads the watchlist from path. The initial load is strict: a missing
// or malformed file is a startup error, while later reload failures only
// log and keep the previous content.
func New(path string, log *slog.Logger) (*Resource, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Resource{
		path: path,
		log:  log,
		subs: make(map[int]chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resource) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read watchlist: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse watchlist: %w", err)
	}
	r.mu.Lock()
	r.groups = doc.Groups
	r.mu.Unlock()
	return nil
}

// Describe returns the resource descriptor for listings.
func (r *Resource) Describe() mcp.Resource {
	return mcp.Resource{
		URI:         URI,
		Name:        "watchlist",
		Description: "Symbol watchlist groups",
		MimeType:    "application/json",
	}
}

// Read renders the current watchlist as JSON resource contents.
func (r *Resource) Read() (mcp.ResourceContents, error) {
	r.mu.RLock()
	groups := r.groups
	r.mu.RUnlock()

	b, err := json.Marshal(map[string]any{"groups": groups})
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("marshal watchlist: %w", err)
	}
	return mcp.ResourceContents{
		URI:      URI,
		MimeType: "application/json",
		Text:     string(b),
	}, nil
}

// Groups returns a snapshot of the current groups.
func (r *Resource) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, len(r.groups))
	copy(out, r.groups)
	return out
}

// Subscribe returns a channel that receives a tick after each successful
// reload. The returned func cancels the subscription.
func (r *Resource) Subscribe() (<-chan struct{}, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextS
	r.nextS++
	ch := make(chan struct{}, 1)
	r.subs[id] = ch
	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Resource) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch reloads the file on filesystem changes until ctx ends. Editors
// often replace rather than rewrite the file, so the parent directory is
// watched and events are matched by name.
func (r *Resource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(r.path)
	var debounce *time.Timer
	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts from editors writing in several steps.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
		case <-reloads:
			if err := r.reload(); err != nil {
				r.log.Warn("watchlist.reload.fail", slog.String("err", err.Error()))
				continue
			}
			r.log.Debug("watchlist.reload.ok")
			r.notify()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("watchlist.watch.err", slog.String("err", err.Error()))
		}
	}
}
