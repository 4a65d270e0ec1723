package service

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"procurement/internal/model"
	"procurement/internal/repository"
	"procurement/internal/storage"
	"procurement/internal/websocket"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type memPurchaseRequests struct {
	mu         sync.Mutex
	nextID     uint
	rows       map[uint]model.PurchaseRequest
	updates    int
	lastFilter repository.PurchaseRequestFilter
	updateErr  error
}

func newMemPurchaseRequests() *memPurchaseRequests {
	return &memPurchaseRequests{rows: map[uint]model.PurchaseRequest{}}
}

func (m *memPurchaseRequests) Create(_ context.Context, req *model.PurchaseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	req.ID = m.nextID
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	m.rows[req.ID] = *req
	return nil
}

func (m *memPurchaseRequests) FindByID(_ context.Context, id uint) (*model.PurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (m *memPurchaseRequests) FindByIDForUpdate(ctx context.Context, id uint) (*model.PurchaseRequest, error) {
	return m.FindByID(ctx, id)
}

func (m *memPurchaseRequests) List(_ context.Context, filter repository.PurchaseRequestFilter) ([]model.PurchaseRequest, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter
	out := make([]model.PurchaseRequest, 0, len(m.rows))
	for _, row := range m.rows {
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, int64(len(out)), nil
}

func (m *memPurchaseRequests) Update(_ context.Context, req *model.PurchaseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.rows[req.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	m.updates++
	req.UpdatedAt = time.Now()
	m.rows[req.ID] = *req
	return nil
}

func (m *memPurchaseRequests) UpdateExtractedData(_ context.Context, id uint, data model.ExtractedData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	row, ok := m.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	row.ExtractedData = data
	m.rows[id] = row
	return nil
}

// put stores a row as-is, bypassing the service.
func (m *memPurchaseRequests) put(req model.PurchaseRequest) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == 0 {
		m.nextID++
		req.ID = m.nextID
	}
	m.rows[req.ID] = req
	return req.ID
}

func (m *memPurchaseRequests) get(id uint) model.PurchaseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type memAudit struct {
	mu      sync.Mutex
	entries []model.AuditLog
}

func (m *memAudit) Log(_ context.Context, entry *model.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memAudit) List(_ context.Context, filter repository.AuditFilter) ([]model.AuditLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditLog
	for _, e := range m.entries {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		out = append(out, e)
	}
	return out, int64(len(out)), nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

// passThroughTx runs fn directly; the in-memory repositories have no rollback.
type passThroughTx struct{}

func (passThroughTx) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{files: map[string][]byte{}}
}

func (s *memStore) Save(dir storage.Dir, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ref := string(dir) + "/" + name
	s.mu.Lock()
	s.files[ref] = data
	s.mu.Unlock()
	return ref, nil
}

func (s *memStore) Create(dir storage.Dir, name string) (io.WriteCloser, string, error) {
	ref := string(dir) + "/" + name
	return &memFile{store: s, ref: ref}, ref, nil
}

func (s *memStore) Path(ref string) (string, error) {
	return "/media/" + ref, nil
}

func (s *memStore) Remove(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, ref)
	return nil
}

func (s *memStore) has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[ref]
	return ok
}

func (s *memStore) refs(dir storage.Dir) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for ref := range s.files {
		if strings.HasPrefix(ref, string(dir)+"/") {
			out = append(out, ref)
		}
	}
	return out
}

type memFile struct {
	bytes.Buffer
	store *memStore
	ref   string
}

func (f *memFile) Close() error {
	f.store.mu.Lock()
	f.store.files[f.ref] = f.Bytes()
	f.store.mu.Unlock()
	return nil
}

type stubExtractor struct {
	data  model.ExtractedData
	paths []string
	mu    sync.Mutex
	// during runs inside Extract, standing in for work done while a slow document is read.
	during func()
}

func (e *stubExtractor) Extract(_ context.Context, path string) model.ExtractedData {
	e.mu.Lock()
	e.paths = append(e.paths, path)
	e.mu.Unlock()
	if e.during != nil {
		e.during()
	}
	return e.data
}

type failingGenerator struct {
	panics bool
}

func (g failingGenerator) Generate(context.Context, *model.PurchaseRequest) (string, error) {
	if g.panics {
		panic("font not found")
	}
	return "", errors.New("disk full")
}

type recordingEvents struct {
	mu     sync.Mutex
	events []websocket.StatusEvent
}

func (r *recordingEvents) Publish(event websocket.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}
