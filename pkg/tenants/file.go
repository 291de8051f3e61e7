package tenants

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const fileReloadDebounce = 200 * time.Millisecond

type fileDocument struct {
	Tenants []Tenant `yaml:"tenants"`
}

// fileProvider keeps tenants in a YAML file and reloads it when edited on disk.
type fileProvider struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	tenants map[string]Tenant

	watcher *fsnotify.Watcher
	timer   *time.Timer
	timerMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewFileProvider loads path (a missing file is an empty store) and watches it for edits.
func NewFileProvider(path string, logger zerolog.Logger) (Provider, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	p := &fileProvider{
		path:    path,
		logger:  logger,
		tenants: make(map[string]Tenant),
		stopCh:  make(chan struct{}),
	}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors and our own atomic rename replace the file inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch store directory: %w", err)
	}
	p.watcher = watcher

	p.wg.Add(1)
	go p.run()

	return p, nil
}

func (p *fileProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tenant file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse tenant file: %w", err)
	}

	tenants := make(map[string]Tenant, len(doc.Tenants))
	for _, t := range doc.Tenants {
		if t.ID == "" {
			continue
		}
		tenants[t.ID] = t
	}

	p.tenants = tenants
	return nil
}

// saveLocked writes the current map atomically. Caller holds p.mu.
func (p *fileProvider) saveLocked() error {
	doc := fileDocument{Tenants: make([]Tenant, 0, len(p.tenants))}
	for _, t := range p.tenants {
		doc.Tenants = append(doc.Tenants, t)
	}
	sortTenants(doc.Tenants)

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal tenants: %w", err)
	}

	tempFile := p.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, p.path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (p *fileProvider) run() {
	defer p.wg.Done()
	name := filepath.Clean(p.path)

	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				p.scheduleReload()
			}

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error().Err(err).Msg("Tenant file watcher error")

		case <-p.stopCh:
			return
		}
	}
}

func (p *fileProvider) scheduleReload() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(fileReloadDebounce, func() {
		if err := p.load(); err != nil {
			// Keep serving the last good copy.
			p.logger.Warn().Err(err).Str("path", p.path).Msg("Tenant file reload failed")
			return
		}
		p.logger.Debug().Str("path", p.path).Msg("Tenant file reloaded")
	})
}

func (p *fileProvider) Get(_ context.Context, id string) (Tenant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return cloneTenant(t), nil
}

func (p *fileProvider) Upsert(_ context.Context, t Tenant) error {
	t = cloneTenant(t)
	t.UpdatedAt = time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	prev, existed := p.tenants[t.ID]
	p.tenants[t.ID] = t
	if err := p.saveLocked(); err != nil {
		if existed {
			p.tenants[t.ID] = prev
		} else {
			delete(p.tenants, t.ID)
		}
		return err
	}
	return nil
}

func (p *fileProvider) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, existed := p.tenants[id]
	if !existed {
		return nil
	}
	delete(p.tenants, id)
	if err := p.saveLocked(); err != nil {
		p.tenants[id] = prev
		return err
	}
	return nil
}

func (p *fileProvider) List(_ context.Context) ([]Tenant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tenant, 0, len(p.tenants))
	for _, t := range p.tenants {
		out = append(out, cloneTenant(t))
	}
	sortTenants(out)
	return out, nil
}

func (p *fileProvider) Close() error {
	select {
	case <-p.stopCh:
		return nil
	default:
	}
	close(p.stopCh)
	err := p.watcher.Close()
	p.wg.Wait()

	p.timerMu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerMu.Unlock()
	return err
}
