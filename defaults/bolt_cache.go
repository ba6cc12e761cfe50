package defaults

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

var endpointBucket = []byte("user_endpoints")

// BoltEndpointCache is a persistent user-endpoint cache backed by a
// bbolt file, for hosts that want known endpoints to survive a
// restart. Values are stored as an 8-byte expiry (unix nanoseconds,
// little-endian) followed by the endpoint string; expired entries read
// as misses and stay in the file until that user's entry is next Set.
type BoltEndpointCache struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBoltEndpointCache opens (or creates) the cache file at path.
func OpenBoltEndpointCache(path string) (*BoltEndpointCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(endpointBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltEndpointCache{db: db, now: time.Now}, nil
}

// Get returns the cached endpoint for username, or ok=false on a miss
// or an expired entry.
func (c *BoltEndpointCache) Get(username string) (string, bool) {
	var endpoint string
	var ok bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(endpointBucket).Get([]byte(username))
		if len(v) < 8 {
			return nil
		}
		expires := time.Unix(0, int64(binary.LittleEndian.Uint64(v[:8])))
		if c.now().After(expires) {
			return nil
		}
		endpoint = string(v[8:])
		ok = true
		return nil
	})
	return endpoint, ok
}

// Set records username's endpoint for ttl, replacing any previous
// entry.
func (c *BoltEndpointCache) Set(username, endpoint string, ttl time.Duration) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		v := make([]byte, 8+len(endpoint))
		binary.LittleEndian.PutUint64(v[:8], uint64(c.now().Add(ttl).UnixNano()))
		copy(v[8:], endpoint)
		return tx.Bucket(endpointBucket).Put([]byte(username), v)
	})
}

// Close releases the underlying database file.
func (c *BoltEndpointCache) Close() error {
	return c.db.Close()
}
