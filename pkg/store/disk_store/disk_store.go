package disk_store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/snappy"

	"github.com/appejv/querycache/pkg/store"
)

const fileExt = ".rec"

// DiskStore keeps one snappy compressed file per record under a root
// directory. Writes are atomic (temp file + rename).
//
// File layout, before compression: uvarint key length, key, value.
// The key is kept so that hash collisions and Purge can be resolved.
type DiskStore struct {
	root string

	// mu serializes Set.
	mu sync.Mutex
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir, %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.root, hex.EncodeToString(sum[:])+fileExt)
}

func (d *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(d.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	storedKey, v, err := unpack(b)
	if err != nil {
		return nil, err
	}
	if storedKey != key {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (d *DiskStore) Set(ctx context.Context, key string, v []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := pack(key, v)

	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.CreateTemp(d.root, "tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, d.path(key)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *DiskStore) Del(_ context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Purge removes every record whose key starts with prefix. Unreadable
// files are removed as well.
func (d *DiskStore) Purge(ctx context.Context, prefix string) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		p := filepath.Join(d.root, e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if key, _, err := unpack(b); err == nil && !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (d *DiskStore) Close() error {
	return nil
}

func pack(key string, v []byte) []byte {
	raw := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(v))
	raw = binary.AppendUvarint(raw, uint64(len(key)))
	raw = append(raw, key...)
	raw = append(raw, v...)
	return snappy.Encode(nil, raw)
}

func unpack(b []byte) (key string, v []byte, err error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	n, sz := binary.Uvarint(raw)
	if sz <= 0 || uint64(len(raw)-sz) < n {
		return "", nil, fmt.Errorf("%w: bad key header", store.ErrCorrupt)
	}
	raw = raw[sz:]
	return string(raw[:n]), raw[n:], nil
}
