package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager closes registered resources in reverse order of registration.
// Binaries register stores, chain clients and servers as they build them.
type Manager struct {
	mu        sync.Mutex
	resources []resource
	closed    bool
}

type resource struct {
	name     string
	shutdown func(context.Context) error
}

// NewManager creates a new resource lifecycle manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds an io.Closer.
func (m *Manager) Register(name string, closer io.Closer) {
	m.RegisterShutdown(name, func(context.Context) error { return closer.Close() })
}

// RegisterFunc registers a plain cleanup function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.RegisterShutdown(name, func(context.Context) error { return fn() })
}

// RegisterShutdown registers a context-aware cleanup such as http.Server.Shutdown.
func (m *Manager) RegisterShutdown(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, shutdown: fn})
}

// Close is Shutdown with a background context.
func (m *Manager) Close() error {
	return m.Shutdown(context.Background())
}

// Shutdown runs every cleanup LIFO, even after failures, and returns all
// errors joined. Calling it twice is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.shutdown(ctx); err != nil {
			log.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
