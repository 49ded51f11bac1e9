package infra

import (
	"context"
	"fmt"
	"log/slog"

	"qcrypt-service/config"
	"qcrypt-service/internal/keysource"
	"qcrypt-service/internal/repository"
)

// OpenKeyStore は QKD_KEYSTORE の設定に応じてシミュレータ用のキーストアを開く。
// 戻り値の関数で関連する接続を閉じる。
func OpenKeyStore(ctx context.Context, cfg *config.Config) (keysource.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.KeyStore {
	case config.KeyStoreMemory:
		slog.InfoContext(ctx, "using in-memory key store", "operation", "open_keystore")
		return repository.NewMemoryStore(), noop, nil

	case config.KeyStoreFile:
		store, err := repository.NewFileStore(cfg.KeyStorePath)
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "using file key store", "operation", "open_keystore", "path", store.Path())
		return store, noop, nil

	case config.KeyStoreDB:
		return openDBKeyStore(ctx, cfg)
	}
	return nil, nil, fmt.Errorf("unknown key store %q", cfg.KeyStore)
}

func openDBKeyStore(ctx context.Context, cfg *config.Config) (keysource.Store, func() error, error) {
	db, err := NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{sqlDB.Close}
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var opts []repository.KeyRepositoryOption
	if cfg.KMSKeyName != "" {
		kmsClient, err := NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, kmsClient.Close)
		opts = append(opts, repository.WithKeyWrapper(kmsClient))
	}

	repo, err := repository.NewKeyRepository(ctx, db, opts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	slog.InfoContext(ctx, "using database key store",
		"operation", "open_keystore",
		"kms_wrapped", cfg.KMSKeyName != "",
	)
	return repo, closeAll, nil
}
