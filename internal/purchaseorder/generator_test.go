package purchaseorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"procurement/internal/model"
	"procurement/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedDate = time.Date(2025, 3, 7, 15, 4, 5, 0, time.UTC)

func approvedRequest() *model.PurchaseRequest {
	return &model.PurchaseRequest{
		ID:          42,
		Title:       "Laptops",
		Description: "Three developer laptops with 32GB of RAM and docking stations",
		Amount:      decimal.RequireFromString("1500"),
		Currency:    "USD",
		Status:      model.StatusApprovedL2,
		ExtractedData: model.ExtractedData{
			Vendor: "Globex Corporation",
		},
	}
}

type failingWriter struct{}

func (failingWriter) Create(storage.Dir, string) (io.WriteCloser, string, error) {
	return nil, "", errors.New("disk full")
}

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

type memoryWriter struct {
	buf *bufferCloser
	dir storage.Dir
}

func (m *memoryWriter) Create(dir storage.Dir, name string) (io.WriteCloser, string, error) {
	m.dir = dir
	m.buf = &bufferCloser{}
	return m.buf, string(dir) + "/" + name, nil
}

func TestNumberAndFileName(t *testing.T) {
	assert.Equal(t, "PO-00042", PONumber(42))
	assert.Equal(t, "PO-123456", PONumber(123456))
	assert.Equal(t, "PO_42_20250307.pdf", FileName(42, fixedDate))
}

func TestGenerateWritesPDF(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	gen := NewGenerator(store, func() time.Time { return fixedDate })
	ref, err := gen.Generate(context.Background(), approvedRequest())
	require.NoError(t, err)
	assert.Equal(t, "purchase_orders/PO_42_20250307.pdf", ref)

	data, err := os.ReadFile(filepath.Join(store.Root(), "purchase_orders", "PO_42_20250307.pdf"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestGenerateFallsBackToUnknownVendor(t *testing.T) {
	mem := &memoryWriter{}
	req := approvedRequest()
	req.ExtractedData = model.ExtractedData{}

	_, err := NewGenerator(mem, func() time.Time { return fixedDate }).Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, storage.PurchaseOrders, mem.dir)
	assert.True(t, mem.buf.closed)
	assert.True(t, bytes.HasPrefix(mem.buf.Bytes(), []byte("%PDF-")))
}

func TestGenerateWrapsStorageFailure(t *testing.T) {
	_, err := NewGenerator(failingWriter{}, nil).Generate(context.Background(), approvedRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Contains(t, err.Error(), "disk full")
}

func TestGenerateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGenerator(&memoryWriter{}, nil).Generate(ctx, approvedRequest())
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 30))
	assert.Equal(t, "Three developer laptops with 3", truncate(approvedRequest().Description, 30))
}
