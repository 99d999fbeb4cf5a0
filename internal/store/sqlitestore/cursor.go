package sqlitestore

import (
	"encoding/hex"
	"sync"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/dispatchcore/pubsubengine/internal/store"
)

// roundRobinCursor remembers, per (topic, role), the last client id handed
// out by GetSubscriber, so repeated calls progress through the eligible set
// instead of always returning the same subscriber. Grounded on
// workerConnectionRegistry's SHA-256-keyed map: keys here are hashed the
// same way to keep the cursor table's memory footprint independent of topic
// name length.
type roundRobinCursor struct {
	mu   sync.Mutex
	last map[string]string // hashed(topic,role) -> last client id returned
}

func newRoundRobinCursor() *roundRobinCursor {
	return &roundRobinCursor{last: make(map[string]string)}
}

func cursorKey(topic string, role store.Role) string {
	sum := sha256simd.Sum256([]byte(topic + "|" + role.String()))
	return hex.EncodeToString(sum[:])
}

// next picks the candidate immediately after the last one returned for this
// (topic, role), wrapping around, and records the new position.
func (c *roundRobinCursor) next(topic string, role store.Role, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	key := cursorKey(topic, role)

	c.mu.Lock()
	defer c.mu.Unlock()

	start := 0
	if last, ok := c.last[key]; ok {
		for i, id := range candidates {
			if id == last {
				start = (i + 1) % len(candidates)
				break
			}
		}
	}
	chosen := candidates[start]
	c.last[key] = chosen
	return chosen, true
}
