package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/kysee/zkbank/zk-asset/tree"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
)

type Config struct {
	// DataDir holds the wallet database.
	DataDir string

	// TreeLevels must match the levels the circuits were compiled for.
	TreeLevels int
	MaxInputs  int

	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	SyncPageSize   int

	// AllowStaleRoot lets a spend prove against the local root when it still
	// differs from the chain root after a sync.
	AllowStaleRoot bool

	Logger zerolog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		TreeLevels:     tree.DefaultLevels,
		MaxInputs:      types.NoteArity,
		PollInterval:   15 * time.Second,
		ConfirmTimeout: time.Hour,
		SyncPageSize:   500,
		Logger:         zerolog.Nop(),
	}
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data dir required")
	}
	if c.TreeLevels < 2 || c.TreeLevels > 32 {
		return fmt.Errorf("tree levels %d out of range", c.TreeLevels)
	}
	if c.MaxInputs < 1 || c.MaxInputs > types.NoteArity {
		return fmt.Errorf("max inputs must be in [1, %d]", types.NoteArity)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("confirm timeout must be positive")
	}
	if c.SyncPageSize <= 0 {
		return errors.New("sync page size must be positive")
	}
	return nil
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}
