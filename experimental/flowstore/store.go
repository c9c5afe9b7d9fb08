package flowstore

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sagernet/bbolt"
	bboltErrors "github.com/sagernet/bbolt/errors"
	"github.com/sagernet/sing-mitm/adapter"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	"github.com/sagernet/sing-mitm/option"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/logger"
)

var (
	bucketFlows = []byte("flows")
	bucketIndex = []byte("index")
)

const (
	defaultPath     = "flows.db"
	defaultMaxFlows = 10000
)

var ErrNotFound = E.New("flow not found")

var (
	_ adapter.FlowSink  = (*Store)(nil)
	_ adapter.Lifecycle = (*Store)(nil)
)

// Store keeps finished flows in a bbolt database, oldest first. Once the
// database holds more than maxFlows records the oldest are removed.
type Store struct {
	logger      logger.Logger
	path        string
	maxFlows    int
	storeBody   bool
	openTimeout time.Duration
	access      sync.Mutex
	db          *bbolt.DB
	count       int
}

func New(logger logger.Logger, options option.FlowStoreOptions) *Store {
	path := options.Path
	if path == "" {
		path = defaultPath
	}
	maxFlows := options.MaxFlows
	if maxFlows == 0 {
		maxFlows = defaultMaxFlows
	}
	openTimeout := time.Duration(options.OpenTimeout)
	if openTimeout == 0 {
		openTimeout = time.Second
	}
	return &Store{
		logger:      logger,
		path:        C.BasePath(path),
		maxFlows:    maxFlows,
		storeBody:   options.StoreBody,
		openTimeout: openTimeout,
	}
}

func (s *Store) Start() error {
	options := bbolt.Options{Timeout: s.openTimeout}
	var (
		db  *bbolt.DB
		err error
	)
	for i := 0; i < 10; i++ {
		db, err = bbolt.Open(s.path, 0o644, &options)
		if err == nil {
			break
		}
		if errors.Is(err, bboltErrors.ErrTimeout) {
			continue
		}
		if E.IsMulti(err, bboltErrors.ErrInvalid, bboltErrors.ErrChecksum, bboltErrors.ErrVersionMismatch) {
			s.logger.Warn("flow store is corrupted, resetting: ", err)
			rmErr := os.Remove(s.path)
			if rmErr != nil {
				return rmErr
			}
			continue
		}
		return E.Cause(err, "open flow store")
	}
	if err != nil {
		return E.Cause(err, "open flow store")
	}
	var count int
	err = db.Update(func(tx *bbolt.Tx) error {
		flows, err := tx.CreateBucketIfNotExists(bucketFlows)
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(bucketIndex)
		if err != nil {
			return err
		}
		count = flows.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return E.Cause(err, "initialize flow store")
	}
	s.access.Lock()
	s.db = db
	s.count = count
	s.access.Unlock()
	s.logger.Info("flow store opened at ", s.path, " with ", count, " flows")
	return nil
}

func (s *Store) WriteFlow(ctx context.Context, record flow.Record) error {
	content, err := json.Marshal(newEntry(record, s.storeBody))
	if err != nil {
		return E.Cause(err, "encode flow")
	}
	id := []byte(record.Base().ID)
	s.access.Lock()
	defer s.access.Unlock()
	if s.db == nil {
		return os.ErrClosed
	}
	count := s.count
	err = s.db.Update(func(tx *bbolt.Tx) error {
		flows := tx.Bucket(bucketFlows)
		index := tx.Bucket(bucketIndex)
		if previous := index.Get(id); previous != nil {
			// a live flow written again replaces its earlier record
			err := flows.Delete(previous)
			if err != nil {
				return err
			}
			count--
		}
		sequence, err := flows.NextSequence()
		if err != nil {
			return err
		}
		key := binary.BigEndian.AppendUint64(nil, sequence)
		err = flows.Put(key, content)
		if err != nil {
			return err
		}
		err = index.Put(id, key)
		if err != nil {
			return err
		}
		count++
		return s.trim(flows, index, &count)
	})
	if err != nil {
		return err
	}
	s.count = count
	return nil
}

func (s *Store) trim(flows *bbolt.Bucket, index *bbolt.Bucket, count *int) error {
	cursor := flows.Cursor()
	for key, value := cursor.First(); key != nil && *count > s.maxFlows; key, value = cursor.First() {
		var header struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(value, &header) == nil {
			err := index.Delete([]byte(header.ID))
			if err != nil {
				return err
			}
		}
		err := cursor.Delete()
		if err != nil {
			return err
		}
		*count--
	}
	return nil
}

// LoadFlow returns the stored JSON record of the flow with the given id.
func (s *Store) LoadFlow(id string) (json.RawMessage, error) {
	s.access.Lock()
	defer s.access.Unlock()
	if s.db == nil {
		return nil, os.ErrClosed
	}
	var content json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		value := tx.Bucket(bucketFlows).Get(key)
		if value == nil {
			return ErrNotFound
		}
		content = append(json.RawMessage(nil), value...)
		return nil
	})
	return content, err
}

// ListFlows returns up to limit records, newest first. A limit of zero
// returns every record.
func (s *Store) ListFlows(limit int) ([]json.RawMessage, error) {
	s.access.Lock()
	defer s.access.Unlock()
	if s.db == nil {
		return nil, os.ErrClosed
	}
	var records []json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketFlows).Cursor()
		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			records = append(records, append(json.RawMessage(nil), value...))
		}
		return nil
	})
	return records, err
}

func (s *Store) Count() int {
	s.access.Lock()
	defer s.access.Unlock()
	return s.count
}

// Clear removes every stored flow.
func (s *Store) Clear() error {
	s.access.Lock()
	defer s.access.Unlock()
	if s.db == nil {
		return os.ErrClosed
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFlows, bucketIndex} {
			err := tx.DeleteBucket(name)
			if err != nil {
				return err
			}
			_, err = tx.CreateBucket(name)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.count = 0
	return nil
}

func (s *Store) Close() error {
	s.access.Lock()
	defer s.access.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
