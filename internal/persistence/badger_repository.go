package persistence

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"weekly-stage-bot/internal/models"
)

var (
	positionPrefix = []byte("position/")
	metaKey        = []byte("portfolio/meta")
)

// portfolioMeta is stored next to the per-symbol position entries.
type portfolioMeta struct {
	Version        int       `json:"version"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// badgerRepository is the BadgerDB implementation of the StateRepository.
// Each position lives under its own key, "position/<symbol>".
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB at dbPath.
// An empty dbPath opens an in-memory database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is noisy; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", dbPath)
	}
	return &badgerRepository{db: db}, nil
}

func positionKey(symbol string) []byte {
	return append(append([]byte{}, positionPrefix...), symbol...)
}

// SaveState writes every position and deletes keys of positions that are gone,
// all inside one transaction.
func (r *badgerRepository) SaveState(state *models.PortfolioState) error {
	if state == nil {
		return errors.New("nil portfolio state")
	}

	meta, err := json.Marshal(portfolioMeta{Version: state.Version, LastUpdateTime: state.LastUpdateTime})
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		// 先删除已平仓的 key
		var stale [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: positionPrefix})
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			symbol := string(bytes.TrimPrefix(key, positionPrefix))
			if _, ok := state.Positions[symbol]; !ok {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for symbol, pos := range state.Positions {
			if pos == nil {
				continue
			}
			data, err := json.Marshal(pos)
			if err != nil {
				return errors.Wrapf(err, "marshal position %s", symbol)
			}
			if err := txn.Set(positionKey(symbol), data); err != nil {
				return err
			}
		}
		return txn.Set(metaKey, meta)
	})
}

// LoadState loads the portfolio from storage.
// If nothing has ever been saved, it returns (nil, nil).
func (r *badgerRepository) LoadState() (*models.PortfolioState, error) {
	state := models.NewPortfolioState()
	found := false

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			found = true
			var meta portfolioMeta
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
				return errors.Wrap(err, "decode portfolio meta")
			}
			state.Version = meta.Version
			state.LastUpdateTime = meta.LastUpdateTime
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: positionPrefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			found = true
			item := it.Item()
			var pos models.Position
			err := item.Value(func(val []byte) error {
				if len(val) == 0 {
					return errors.New("position value is empty in database")
				}
				return json.Unmarshal(val, &pos)
			})
			if err != nil {
				return errors.Wrapf(err, "decode %s", item.Key())
			}
			state.Positions[pos.Symbol] = &pos
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
