package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/blob"
	"github.com/starford/crudfs/internal/blob/estuary"
	"github.com/starford/crudfs/internal/blob/localfs"
	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/ledger/ethereum"
	"github.com/starford/crudfs/internal/ledger/memory"
	"github.com/starford/crudfs/internal/ledger/sqlite"
	"github.com/starford/crudfs/internal/manifest"
)

// OpenLedger connects the configured ledger backend.
func OpenLedger(ctx context.Context, cfg LedgerConfig) (ledger.Backend, error) {
	switch cfg.Backend {
	case LedgerEthereum:
		return ethereum.Dial(ctx, ethereum.Config{
			Endpoint:        cfg.Endpoint(),
			ChainID:         cfg.ChainID,
			PrivateKey:      cfg.PrivateKey,
			ContractAddress: cfg.ContractAddress,
			ConfirmTimeout:  cfg.ConfirmTimeout,
		})
	case LedgerSQLite:
		return sqlite.Open(sqlite.Config{
			Path:           cfg.SQLitePath,
			Address:        cfg.ContractAddress,
			ConfirmTimeout: cfg.ConfirmTimeout,
		})
	case LedgerMemory:
		opts := []memory.Option{memory.WithConfirmTimeout(cfg.ConfirmTimeout)}
		if cfg.ContractAddress != "" {
			opts = append(opts, memory.WithAddress(cfg.ContractAddress))
		}
		return memory.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// OpenStore builds the configured blob store client.
func OpenStore(cfg StoreConfig) (blob.Backend, error) {
	switch cfg.Backend {
	case StoreEstuary:
		return estuary.New(cfg.Host, cfg.APIKey), nil
	case StoreLocalFS:
		return localfs.New(afero.NewOsFs(), cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Stack is an opened Service together with the handles it owns.
type Stack struct {
	Service  *crudfs.Service
	Ledger   ledger.Backend
	Manifest *manifest.Store
}

// Close releases the manifest lock and the ledger connection.
func (s *Stack) Close() error {
	return errors.Join(s.Manifest.Close(), s.Ledger.Close())
}

// OpenStack opens the manifest, connects both remote tiers and builds the
// Service. A missing manifest is reported as apperr.ErrNotFound before any
// remote tier is contacted.
func OpenStack(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...crudfs.Option) (*Stack, error) {
	ms, err := manifest.Open(cfg.Manifest.Path)
	if err != nil {
		return nil, err
	}
	led, err := OpenLedger(ctx, cfg.Ledger)
	if err != nil {
		ms.Close()
		return nil, err
	}
	store, err := OpenStore(cfg.Store)
	if err != nil {
		ms.Close()
		led.Close()
		return nil, err
	}

	opts = append([]crudfs.Option{
		crudfs.WithLogger(logger),
		crudfs.WithJournal(afero.NewOsFs(), cfg.Manifest.JournalDir),
	}, opts...)
	svc, err := crudfs.New(led, store, ms, opts...)
	if err != nil {
		ms.Close()
		led.Close()
		return nil, err
	}
	return &Stack{Service: svc, Ledger: led, Manifest: ms}, nil
}

// Recover settles intents left by an earlier crash and logs the outcome.
func (s *Stack) Recover(ctx context.Context, logger *slog.Logger) {
	n, err := s.Service.Recover(ctx)
	if err != nil {
		logger.Warn("recovery incomplete", slog.Int("settled", n), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		logger.Info("recovered interrupted operations", slog.Int("settled", n))
	}
}
