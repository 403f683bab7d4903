package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"mcp-forge/backend/pkg/models"
)

// FileSessionStore keeps session entries as one JSON document per tenant.
// It backs the registry when the server runs without a database.
type FileSessionStore struct {
	dir string
	log pslog.Logger

	mu sync.Mutex
}

type tenantSessions struct {
	TenantID string                `json:"tenant_id"`
	Entries  []models.SessionEntry `json:"entries"`
}

// NewFileSessionStore creates the store, making dir if needed.
func NewFileSessionStore(dir string, logger pslog.Logger) (*FileSessionStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("session directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("session_dir", dir)
	}
	return &FileSessionStore{dir: dir, log: logger}, nil
}

// Load returns the entries persisted for tenantID.
func (s *FileSessionStore) Load(_ context.Context, tenantID string) ([]models.SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(tenantID)
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// Put inserts or replaces the entry with the same instance id.
func (s *FileSessionStore) Put(_ context.Context, entry models.SessionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(entry.TenantID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Entries {
		if doc.Entries[i].InstanceID == entry.InstanceID {
			doc.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Entries = append(doc.Entries, entry)
	}
	return s.write(doc)
}

// Delete removes the entry. Deleting a missing entry is not an error.
func (s *FileSessionStore) Delete(_ context.Context, tenantID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(tenantID)
	if err != nil {
		return err
	}
	kept := doc.Entries[:0]
	for _, e := range doc.Entries {
		if e.InstanceID != instanceID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(doc.Entries) {
		return nil
	}
	doc.Entries = kept
	return s.write(doc)
}

func (s *FileSessionStore) read(tenantID string) (tenantSessions, error) {
	doc := tenantSessions{TenantID: tenantID}
	data, err := os.ReadFile(s.pathFor(tenantID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		s.warn("session load failed", tenantID, err)
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		s.warn("session load failed", tenantID, err)
		return doc, err
	}
	// a file must never leak another tenant's rows
	if doc.TenantID != tenantID {
		return tenantSessions{TenantID: tenantID}, nil
	}
	return doc, nil
}

func (s *FileSessionStore) write(doc tenantSessions) error {
	path := s.pathFor(doc.TenantID)
	if len(doc.Entries) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.warn("session save failed", doc.TenantID, err)
			return err
		}
		return nil
	}
	sort.Slice(doc.Entries, func(i, j int) bool {
		return doc.Entries[i].UpdatedAt.Before(doc.Entries[j].UpdatedAt)
	})
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "sessions-*.json")
	if err != nil {
		s.warn("session save failed", doc.TenantID, err)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		s.warn("session save failed", doc.TenantID, err)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		s.warn("session save failed", doc.TenantID, err)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		s.warn("session save failed", doc.TenantID, err)
		return err
	}
	if s.log != nil {
		s.log.Debug("sessions saved", "tenant", doc.TenantID, "entries", len(doc.Entries))
	}
	return nil
}

func (s *FileSessionStore) warn(msg, tenantID string, err error) {
	if s.log != nil {
		s.log.Warn(msg, "tenant", tenantID, "err", err)
	}
}

// pathFor encodes the tenant id so distinct tenants never share a file.
func (s *FileSessionStore) pathFor(tenantID string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(tenantID))+".json")
}
