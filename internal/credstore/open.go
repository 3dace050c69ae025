package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/wagateway/internal/config"
	"github.com/KafClaw/wagateway/internal/secrets"
)

const connectTimeout = 10 * time.Second

// Open builds the Store described by cfg. It never fails: when the durable
// backend (or the master key protecting it) is unavailable, the store falls
// back to process memory and logs a reduced-durability warning.
func Open(ctx context.Context, cfg config.CredentialsConfig, workDir string) *Store {
	opts := []Option{WithWorkDir(workDir)}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		slog.Warn("Credentials: durable backend unavailable, using in-memory store; sessions will need a new QR scan after restart",
			"backend", cfg.Backend, "error", err)
		return New(NewMemoryBackend(), opts...)
	}
	if cfg.Backend == config.BackendMemory {
		slog.Warn("Credentials: memory backend configured; sessions will need a new QR scan after restart")
		return New(backend, opts...)
	}

	if cfg.Encrypt {
		key, err := secrets.ResolveMasterKey(cfg.EncryptionKey)
		if err == nil {
			var c *secrets.Cipher
			if c, err = secrets.NewCipher(key); err == nil {
				opts = append(opts, WithCipher(c))
			}
		}
		if err != nil {
			backend.Close()
			slog.Warn("Credentials: master key unavailable, using in-memory store; sessions will need a new QR scan after restart",
				"backend", cfg.Backend, "error", err)
			return New(NewMemoryBackend(), opts...)
		}
	}

	slog.Info("Credentials: store ready", "backend", cfg.Backend, "encrypted", cfg.Encrypt)
	return New(backend, opts...)
}

func openBackend(ctx context.Context, cfg config.CredentialsConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryBackend(), nil
	case config.BackendSQLite:
		return NewSQLiteBackend(cfg.DSN)
	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return NewPostgresBackend(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}
