package startup

import (
	"context"
	"time"

	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/fileserver"
)

func ConnectMinio(ctx context.Context, cfg config.MinioConfig, maxWait time.Duration) (*fileserver.MinioStore, error) {
	var store *fileserver.MinioStore
	err := Retry(ctx, "minio connect", maxWait, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := fileserver.NewMinioStore(connectCtx, cfg)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	return store, err
}
