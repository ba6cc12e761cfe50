package distributed

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// dedupCache drops a search request that repeats the previous frame on
// the same connection. By default it keeps a single last-seen hash per
// connection, which is enough for the back-to-back retransmits the
// network actually produces; interleaved requests from different
// originators will defeat it once the pattern changes. DedupWindow > 1
// swaps the single hash for a bounded LRU of recent hashes.
type dedupCache struct {
	mu   sync.Mutex
	last string
	lru  *lru.Cache
}

func newDedupCache(window int) *dedupCache {
	d := &dedupCache{}
	if window > 1 {
		cache, err := lru.New(window)
		if err == nil {
			d.lru = cache
		}
	}
	return d
}

func hashFrame(frame []byte) string {
	sum := sha256.Sum256(frame)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// seen reports whether frame duplicates one already recorded, and
// records it either way.
func (d *dedupCache) seen(frame []byte) bool {
	h := hashFrame(frame)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lru != nil {
		if d.lru.Contains(h) {
			return true
		}
		d.lru.Add(h, struct{}{})
		return false
	}

	dup := d.last == h
	d.last = h
	return dup
}
