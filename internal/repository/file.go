package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
)

const fileCols = `id, owner_id, name, content_type, size, sha256, storage, storage_key, created_at`

type FileRepository struct {
	pool *pgxpool.Pool
}

func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

func scanFile(s interface{ Scan(dest ...any) error }, f *model.File) error {
	return s.Scan(&f.ID, &f.OwnerID, &f.Name, &f.ContentType, &f.Size, &f.SHA256, &f.Storage, &f.StorageKey, &f.CreatedAt)
}

// Create stores metadata, and for database-backed files the bytes in f.Data.
func (r *FileRepository) Create(ctx context.Context, f *model.File) error {
	defer logger.DeferLogDuration("file.Create", time.Now())()
	var data []byte
	if f.Storage == model.StorageDB {
		data = f.Data
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO files (id, owner_id, name, content_type, size, sha256, storage, storage_key, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.OwnerID, f.Name, f.ContentType, f.Size, f.SHA256, f.Storage, f.StorageKey, data, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("fileRepo.Create: %w", err)
	}
	return nil
}

func (r *FileRepository) GetByID(ctx context.Context, id string) (*model.File, error) {
	defer logger.DeferLogDuration("file.GetByID", time.Now())()
	f := &model.File{}
	if err := scanFile(r.pool.QueryRow(ctx, `SELECT `+fileCols+` FROM files WHERE id = $1`, id), f); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fileRepo.GetByID: %w", err)
	}
	return f, nil
}

// GetData loads the inline bytes of a database-backed file.
func (r *FileRepository) GetData(ctx context.Context, id string) ([]byte, error) {
	defer logger.DeferLogDuration("file.GetData", time.Now())()
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(data, ''::bytea) FROM files WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fileRepo.GetData: %w", err)
	}
	return data, nil
}

func (r *FileRepository) GetByIDs(ctx context.Context, ids []string) ([]model.File, error) {
	defer logger.DeferLogDuration("file.GetByIDs", time.Now())()
	if len(ids) == 0 {
		return []model.File{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+fileCols+` FROM files WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fileRepo.GetByIDs query: %w", err)
	}
	defer rows.Close()
	files := make([]model.File, 0, len(ids))
	for rows.Next() {
		var f model.File
		if err := scanFile(rows, &f); err != nil {
			return nil, fmt.Errorf("fileRepo.GetByIDs scan: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fileRepo.GetByIDs rows: %w", err)
	}
	return files, nil
}

func (r *FileRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("file.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("fileRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
