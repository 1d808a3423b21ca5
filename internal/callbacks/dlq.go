package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// DLQStore persists callbacks that exhausted every attempt for manual replay.
type DLQStore interface {
	SaveFailedWebhook(ctx context.Context, webhook FailedWebhook) error
	ListFailedWebhooks(ctx context.Context, limit int) ([]FailedWebhook, error)
	DeleteFailedWebhook(ctx context.Context, id string) error
}

// FailedWebhook is a callback that could not be delivered. ID is the event ID.
type FailedWebhook struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers"`
	EventType   string            `json:"eventType"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError"`
	LastAttempt time.Time         `json:"lastAttempt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// MemoryDLQStore stores failed webhooks in memory.
type MemoryDLQStore struct {
	mu       sync.RWMutex
	webhooks map[string]FailedWebhook
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{webhooks: make(map[string]FailedWebhook)}
}

func (m *MemoryDLQStore) SaveFailedWebhook(_ context.Context, webhook FailedWebhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[webhook.ID] = webhook
	return nil
}

func (m *MemoryDLQStore) ListFailedWebhooks(_ context.Context, limit int) ([]FailedWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return oldestFirst(m.webhooks, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
	return nil
}

// FileDLQStore stores failed webhooks in a JSON file, rewritten atomically
// on every change.
type FileDLQStore struct {
	mu       sync.RWMutex
	filePath string
	webhooks map[string]FailedWebhook
}

// NewFileDLQStore opens or creates the DLQ file at filePath.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	store := &FileDLQStore{
		filePath: filePath,
		webhooks: make(map[string]FailedWebhook),
	}
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}
	return store, nil
}

func (f *FileDLQStore) SaveFailedWebhook(_ context.Context, webhook FailedWebhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[webhook.ID] = webhook
	return f.persist()
}

func (f *FileDLQStore) ListFailedWebhooks(_ context.Context, limit int) ([]FailedWebhook, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return oldestFirst(f.webhooks, limit), nil
}

func (f *FileDLQStore) DeleteFailedWebhook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhooks, id)
	return f.persist()
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}
	var webhooks map[string]FailedWebhook
	if err := json.Unmarshal(data, &webhooks); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}
	if webhooks != nil {
		f.webhooks = webhooks
	}
	return nil
}

func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.webhooks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename DLQ file: %w", err)
	}
	return nil
}

func oldestFirst(webhooks map[string]FailedWebhook, limit int) []FailedWebhook {
	result := make([]FailedWebhook, 0, len(webhooks))
	for _, w := range webhooks {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
