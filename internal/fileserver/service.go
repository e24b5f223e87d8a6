// Package fileserver stores chat attachments. Small files live inline in the database,
// larger ones in an object store (MinIO, or gzip files on local disk).
package fileserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/repository"
	"github.com/roomchat/internal/service"
)

// ErrTooLarge is returned when an upload exceeds the configured maximum.
var ErrTooLarge = errors.New("file too large")

// MetaStore persists file metadata and inline bytes.
type MetaStore interface {
	Create(ctx context.Context, f *model.File) error
	GetByID(ctx context.Context, id string) (*model.File, error)
	GetData(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Upload is one incoming file. Size is the length the client declared, or -1.
type Upload struct {
	OwnerID string
	Name    string
	Size    int64
	Body    io.Reader
}

type Service struct {
	meta        MetaStore
	primary     ObjectStore
	stores      map[model.StorageKind]ObjectStore
	maxSize     int64
	inlineLimit int64
}

// New builds the service. New objects go to the first store; all stores stay readable
// so files written before a backend switch can still be served.
func New(meta MetaStore, maxSize, inlineLimit int64, stores ...ObjectStore) *Service {
	s := &Service{
		meta:        meta,
		stores:      make(map[model.StorageKind]ObjectStore, len(stores)),
		maxSize:     maxSize,
		inlineLimit: max(inlineLimit, 0),
	}
	for _, st := range stores {
		if s.primary == nil {
			s.primary = st
		}
		s.stores[st.Kind()] = st
	}
	return s
}

type counter struct{ n int64 }

func (c *counter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Upload streams the body once, hashing as it goes, and picks the backend by size.
func (s *Service) Upload(ctx context.Context, in Upload) (*model.File, error) {
	defer logger.DeferLogDuration("fileserver.Upload", time.Now())()
	name, ext := normalizeName(in.Name)
	if BlockedExt[ext] {
		return nil, fmt.Errorf("%w: file type not allowed", service.ErrInvalidInput)
	}
	if in.Size > s.maxSize {
		return nil, ErrTooLarge
	}

	hash := sha256.New()
	var written counter
	src := io.TeeReader(io.LimitReader(in.Body, s.maxSize+1), io.MultiWriter(hash, &written))

	buf := make([]byte, s.inlineLimit+1)
	n, err := io.ReadFull(src, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("fileserver: read upload: %w", err)
	}
	buf = buf[:n]
	if n == 0 {
		return nil, fmt.Errorf("%w: empty file", service.ErrInvalidInput)
	}
	mt := mimetype.Detect(buf)
	if !matchesExt(ext, mt) {
		return nil, fmt.Errorf("%w: file content does not match type", service.ErrInvalidInput)
	}

	id := uuid.New().String()
	if name == "" {
		name = id + ext
	}
	f := &model.File{
		ID:          id,
		OwnerID:     in.OwnerID,
		Name:        name,
		ContentType: mt.String(),
		CreatedAt:   time.Now().UTC(),
	}

	var store ObjectStore
	if int64(n) <= s.inlineLimit {
		f.Storage = model.StorageDB
		f.Data = buf
	} else {
		if s.primary == nil {
			return nil, ErrTooLarge
		}
		store = s.primary
		f.Storage = store.Kind()
		f.StorageKey = id + ext
		if err := store.Put(ctx, f.StorageKey, f.ContentType, io.MultiReader(bytes.NewReader(buf), src)); err != nil {
			return nil, err
		}
	}

	discard := func() {
		if store != nil {
			if err := store.Remove(context.WithoutCancel(ctx), f.StorageKey); err != nil {
				logger.Errorf("fileserver: discard %s: %v", f.StorageKey, err)
			}
		}
	}
	if written.n > s.maxSize {
		discard()
		return nil, ErrTooLarge
	}
	if in.Size >= 0 && written.n != in.Size {
		discard()
		return nil, fmt.Errorf("%w: size mismatch: declared %d, received %d", service.ErrInvalidInput, in.Size, written.n)
	}
	f.Size = written.n
	f.SHA256 = hex.EncodeToString(hash.Sum(nil))

	if err := s.meta.Create(ctx, f); err != nil {
		discard()
		return nil, err
	}
	f.Data = nil
	return f, nil
}

// Meta returns file metadata.
func (s *Service) Meta(ctx context.Context, id string) (*model.File, error) {
	f, err := s.meta.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, service.ErrNotFound
	}
	return f, err
}

// Open returns metadata and a reader over the content. The caller closes the reader.
func (s *Service) Open(ctx context.Context, id string) (*model.File, io.ReadCloser, error) {
	f, err := s.Meta(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if f.Storage == model.StorageDB {
		data, err := s.meta.GetData(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, service.ErrNotFound
		}
		if err != nil {
			return nil, nil, err
		}
		return f, io.NopCloser(bytes.NewReader(data)), nil
	}
	store, ok := s.stores[f.Storage]
	if !ok {
		return nil, nil, fmt.Errorf("fileserver: no %s backend configured for %s", f.Storage, id)
	}
	rc, err := store.Get(ctx, f.StorageKey)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil, service.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return f, rc, nil
}

// Delete removes a file; only its owner may do so.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	f, err := s.Meta(ctx, id)
	if err != nil {
		return err
	}
	if f.OwnerID != userID {
		return service.ErrForbidden
	}
	if err := s.meta.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return service.ErrNotFound
		}
		return err
	}
	if store, ok := s.stores[f.Storage]; ok && f.Storage != model.StorageDB {
		if err := store.Remove(ctx, f.StorageKey); err != nil {
			logger.Errorf("fileserver: remove %s: %v", f.StorageKey, err)
		}
	}
	return nil
}
