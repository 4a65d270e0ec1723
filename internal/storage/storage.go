package storage

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Dir is a purpose-specific folder under the media root.
type Dir string

const (
	Proformas      Dir = "proformas"
	PurchaseOrders Dir = "purchase_orders"
	Receipts       Dir = "receipts"
)

var ErrInvalidPath = errors.New("invalid document path")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store keeps documents as files under a single logical root. References
// handed out are relative slash paths such as "purchase_orders/PO_1_20250101.pdf".
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve media root")
	}
	for _, d := range []Dir{Proformas, PurchaseOrders, Receipts} {
		if err := os.MkdirAll(filepath.Join(abs, string(d)), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s directory", d)
		}
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string {
	return s.root
}

// UploadName returns a collision-free file name for an uploaded document,
// keeping a sanitized form of the client's base name.
func UploadName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "document"
	}
	return uuid.NewString()[:8] + "_" + base
}

// Save copies r into dir/name and returns the document reference.
func (s *Store) Save(dir Dir, name string, r io.Reader) (string, error) {
	w, ref, err := s.Create(dir, name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		_ = os.Remove(filepath.Join(s.root, filepath.FromSlash(ref)))
		return "", errors.Wrapf(err, "write %s", ref)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "close %s", ref)
	}
	return ref, nil
}

// Create opens dir/name for writing, truncating an existing file.
func (s *Store) Create(dir Dir, name string) (io.WriteCloser, string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return nil, "", errors.Wrapf(ErrInvalidPath, "file name %q", name)
	}
	ref := string(dir) + "/" + name
	f, err := os.Create(filepath.Join(s.root, string(dir), name))
	if err != nil {
		return nil, "", errors.Wrapf(err, "create %s", ref)
	}
	return f, ref, nil
}

// Path resolves a document reference to a file path, refusing anything that
// escapes the root.
func (s *Store) Path(ref string) (string, error) {
	if ref == "" {
		return "", errors.Wrap(ErrInvalidPath, "empty reference")
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrInvalidPath, "reference %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}

// Remove deletes the referenced document. A missing file is not an error.
func (s *Store) Remove(ref string) error {
	path, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", ref)
	}
	return nil
}
