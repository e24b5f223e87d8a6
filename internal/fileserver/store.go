package fileserver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/roomchat/internal/model"
)

// ErrObjectNotFound is returned by object stores for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore holds attachment bytes that are too large to keep inline in the database.
type ObjectStore interface {
	Kind() model.StorageKind
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// DiskStore keeps gzip-compressed objects under a directory.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

func (d *DiskStore) Kind() model.StorageKind { return model.StorageDisk }

func (d *DiskStore) path(key string) string {
	return filepath.Join(d.dir, filepath.Base(key)+".gz")
}

func (d *DiskStore) Put(ctx context.Context, key, _ string, r io.Reader) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("diskStore.Put: %w", err)
	}
	dstPath := d.path(key)
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("diskStore.Put: %w", err)
	}
	gz := gzip.NewWriter(dst)
	err = copyWithContext(ctx, gz, r)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("diskStore.Put: %w", err)
	}
	return nil
}

func (d *DiskStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("diskStore.Get: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskStore.Get: %w", err)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

func (d *DiskStore) Remove(_ context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("diskStore.Remove: %w", err)
	}
	return nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if ferr := g.f.Close(); err == nil {
		err = ferr
	}
	return err
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("upload cancelled: %w", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}
