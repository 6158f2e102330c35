package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zulandar/tgrelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoState is returned by a Backend that has never been written.
	ErrNoState = errors.New("state: no stored state")
	// ErrConflict is returned by Write when the stored document changed
	// since the revision the caller read.
	ErrConflict = errors.New("state: stored document changed concurrently")
)

// Document is the encoded state and the revision it was read at.
type Document struct {
	Data     []byte
	Revision string
}

// Backend persists the encoded state document. Revisions are opaque; the
// empty revision means no document exists.
type Backend interface {
	Read(ctx context.Context) (Document, error)
	// Write stores data if the current revision is still expect and
	// returns the new revision.
	Write(ctx context.Context, data []byte, expect string) (string, error)
	String() string
}

// FileBackend stores the document as a JSON file. Writes go to a temporary
// file in the same directory and are renamed into place. The revision is a
// digest of the file content.
type FileBackend struct {
	Path string
}

func (f *FileBackend) Read(ctx context.Context) (Document, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, ErrNoState
	}
	if err != nil {
		return Document{}, fmt.Errorf("state: read %s: %w", f.Path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, ErrNoState
	}
	return Document{Data: data, Revision: digest(data)}, nil
}

func (f *FileBackend) Write(ctx context.Context, data []byte, expect string) (string, error) {
	cur, err := f.Read(ctx)
	if err != nil && !errors.Is(err, ErrNoState) {
		return "", err
	}
	if cur.Revision != expect {
		return "", ErrConflict
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("state: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return "", fmt.Errorf("state: write %s: %w", f.Path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("state: write %s: %w", f.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("state: sync %s: %w", f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("state: write %s: %w", f.Path, err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return "", fmt.Errorf("state: replace %s: %w", f.Path, err)
	}
	return digest(data), nil
}

func (f *FileBackend) String() string { return "file:" + f.Path }

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DBBackend stores the document as a single row in state_documents. The
// row's revision column guards every update.
type DBBackend struct {
	DB   *gorm.DB
	Name string
}

// NewDBBackend returns a backend writing the row called name.
func NewDBBackend(db *gorm.DB, name string) (*DBBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("state: db is required")
	}
	if name == "" {
		name = "relay"
	}
	return &DBBackend{DB: db, Name: name}, nil
}

func (d *DBBackend) Read(ctx context.Context) (Document, error) {
	var doc models.StateDocument
	err := d.DB.WithContext(ctx).Where("name = ?", d.Name).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNoState
	}
	if err != nil {
		return Document{}, fmt.Errorf("state: read document %q: %w", d.Name, err)
	}
	return Document{Data: []byte(doc.Body), Revision: strconv.FormatInt(doc.Revision, 10)}, nil
}

func (d *DBBackend) Write(ctx context.Context, data []byte, expect string) (string, error) {
	now := time.Now().UTC()
	if expect == "" {
		doc := models.StateDocument{Name: d.Name, Body: string(data), Revision: 1, UpdatedAt: now}
		result := d.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&doc)
		if result.Error != nil {
			return "", fmt.Errorf("state: write document %q: %w", d.Name, result.Error)
		}
		if result.RowsAffected == 0 {
			return "", ErrConflict
		}
		return "1", nil
	}

	rev, err := strconv.ParseInt(expect, 10, 64)
	if err != nil {
		return "", fmt.Errorf("state: write document %q: bad revision %q", d.Name, expect)
	}
	result := d.DB.WithContext(ctx).Model(&models.StateDocument{}).
		Where("name = ? AND revision = ?", d.Name, rev).
		Updates(map[string]interface{}{
			"body":       string(data),
			"revision":   rev + 1,
			"updated_at": now,
		})
	if result.Error != nil {
		return "", fmt.Errorf("state: write document %q: %w", d.Name, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", ErrConflict
	}
	return strconv.FormatInt(rev+1, 10), nil
}

func (d *DBBackend) String() string { return "db:" + d.Name }
