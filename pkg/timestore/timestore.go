package timestore

import (
	"encoding/binary"
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"

	"github.com/liqbot/goliq/internal/domain"
)

// Store persists block headers and price samples across restarts (Badger).
// The in-memory temporal index owns all lookup logic; this wrapper only
// replays records at startup and appends new ones as they are fetched.
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path     string
	ReadOnly bool
}

var (
	blockPrefix = []byte("b/")
	pricePrefix = []byte("p/")
)

func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("timestore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func blockKey(number uint64) []byte {
	k := make([]byte, len(blockPrefix)+8)
	copy(k, blockPrefix)
	binary.BigEndian.PutUint64(k[len(blockPrefix):], number)
	return k
}

func priceKey(ts int64) []byte {
	k := make([]byte, len(pricePrefix)+8)
	copy(k, pricePrefix)
	binary.BigEndian.PutUint64(k[len(pricePrefix):], uint64(ts))
	return k
}

// PutBlock appends one block record. Overwriting an existing number with
// the same timestamp is harmless; the value is immutable chain data.
func (s *Store) PutBlock(b domain.Block) error {
	if s == nil || s.db == nil {
		return errors.New("timestore: not opened")
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(b.Timestamp))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(b.Number), val)
	})
}

// Blocks replays every stored block in number order.
func (s *Store) Blocks(fn func(domain.Block) error) error {
	if s == nil || s.db == nil {
		return errors.New("timestore: not opened")
	}
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: blockPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			number := binary.BigEndian.Uint64(item.Key()[len(blockPrefix):])
			err := item.Value(func(val []byte) error {
				ts := int64(binary.BigEndian.Uint64(val))
				return fn(domain.Block{Number: number, Timestamp: ts})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PutPrice appends one price sample keyed by timestamp.
func (s *Store) PutPrice(p domain.PriceSample) error {
	if s == nil || s.db == nil {
		return errors.New("timestore: not opened")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(priceKey(p.Timestamp), []byte(p.Price.String()))
	})
}

// Prices replays every stored sample in timestamp order.
func (s *Store) Prices(fn func(domain.PriceSample) error) error {
	if s == nil || s.db == nil {
		return errors.New("timestore: not opened")
	}
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: pricePrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			ts := int64(binary.BigEndian.Uint64(item.Key()[len(pricePrefix):]))
			err := item.Value(func(val []byte) error {
				price, perr := decimal.NewFromString(string(val))
				if perr != nil {
					// skip corrupt records rather than poisoning startup
					return nil
				}
				return fn(domain.PriceSample{Timestamp: ts, Price: price})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GC runs one value-log garbage collection pass. Safe to call periodically;
// returns badger.ErrNoRewrite when there was nothing to collect.
func (s *Store) GC() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.RunValueLogGC(0.5)
}
