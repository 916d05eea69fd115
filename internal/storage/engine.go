package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"agent-chaos/internal/config"
	"agent-chaos/internal/logging"
)

type Engine struct {
	db     *badger.DB
	logger *logging.Logger

	stopGC chan struct{}
	once   sync.Once
}

var _ StorageEngine = (*Engine)(nil)

type Config struct {
	DataPath   string
	InMemory   bool
	SyncWrites bool
	ValueLogGC bool
	GCInterval time.Duration
}

func ConfigFromArchive(cfg config.ArchiveConfig) Config {
	return Config{
		DataPath:   cfg.DataPath,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
		ValueLogGC: !cfg.InMemory,
		GCInterval: 10 * time.Minute,
	}
}

func NewEngine(cfg Config, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	opts := badger.DefaultOptions(cfg.DataPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	engine := &Engine{
		db:     db,
		logger: logger.WithField("component", "storage"),
		stopGC: make(chan struct{}),
	}

	if cfg.ValueLogGC && !cfg.InMemory {
		interval := cfg.GCInterval
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		go engine.runGC(interval)
	}

	return engine, nil
}

func (e *Engine) Put(key, value []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (e *Engine) Delete(key []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (e *Engine) Exists(key []byte) (bool, error) {
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) Scan(prefix []byte) ([]KeyValue, error) {
	var result []KeyValue

	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result = append(result, KeyValue{Key: item.KeyCopy(nil), Value: value})
		}
		return nil
	})

	return result, err
}

func (e *Engine) Stats() map[string]interface{} {
	lsmSize, vlogSize := e.db.Size()
	return map[string]interface{}{
		"tables":     len(e.db.Tables()),
		"lsm_size":   lsmSize,
		"vlog_size":  vlogSize,
		"total_size": lsmSize + vlogSize,
	}
}

func (e *Engine) Close() error {
	e.once.Do(func() { close(e.stopGC) })
	return e.db.Close()
}

func (e *Engine) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopGC:
			return
		case <-ticker.C:
			again := true
			for again {
				again = e.db.RunValueLogGC(0.7) == nil
			}
			e.logger.Debug("BadgerDB garbage collection completed")
		}
	}
}
