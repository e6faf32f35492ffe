package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var joinsBucket = []byte("joins")

// ErrNotFound is returned when a join record does not exist.
var ErrNotFound = errors.New("join record not found")

// JoinRecord is the swarm adapter's persisted state for one joined key.
type JoinRecord struct {
	Key       string    `json:"key"`
	JoinedAt  time.Time `json:"joined_at"`
	RootBlock string    `json:"root_block,omitempty"`
}

// metaDB is a purpose-sized bbolt wrapper storing one JoinRecord per
// joined archive key, JSON-encoded in a single bucket.
type metaDB struct {
	db *bolt.DB
}

func openMetaDB(path string) (*metaDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening join metadata db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(joinsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating joins bucket: %w", err)
	}
	return &metaDB{db: db}, nil
}

func (m *metaDB) Close() error {
	return m.db.Close()
}

func (m *metaDB) Put(rec JoinRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling join record: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(joinsBucket).Put([]byte(rec.Key), data)
	})
}

func (m *metaDB) Get(key string) (JoinRecord, error) {
	var rec JoinRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(joinsBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (m *metaDB) Delete(key string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(joinsBucket).Delete([]byte(key))
	})
}

func (m *metaDB) List() ([]JoinRecord, error) {
	var recs []JoinRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(joinsBucket).ForEach(func(_, v []byte) error {
			var rec JoinRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}
