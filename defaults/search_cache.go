package defaults

import "sync"

// maxParkedResponsesPerUser bounds how many undelivered search
// responses are held for a single user; the oldest is dropped first.
const maxParkedResponsesPerUser = 32

// SearchResponseCache holds search-response frames that could not be
// delivered because the requester's connection was failing. The
// distributed manager Adds to it on a failed send; the peer manager
// Drains it when a connection for that user is next established. It
// satisfies both managers' store interfaces.
type SearchResponseCache struct {
	mu     sync.Mutex
	parked map[string][][]byte
}

func NewSearchResponseCache() *SearchResponseCache {
	return &SearchResponseCache{parked: make(map[string][][]byte)}
}

// Add parks frame for username.
func (c *SearchResponseCache) Add(username string, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := append(c.parked[username], frame)
	if len(frames) > maxParkedResponsesPerUser {
		frames = frames[len(frames)-maxParkedResponsesPerUser:]
	}
	c.parked[username] = frames
}

// Drain removes and returns every frame parked for username, in the
// order they were added.
func (c *SearchResponseCache) Drain(username string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.parked[username]
	delete(c.parked, username)
	return frames
}
