package hub

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// seenCommand records when a bus command was first handled
type seenCommand struct {
	Key       string
	Timestamp time.Time
}

// CommandDedupe remembers recently handled bus commands so redelivered
// copies are dropped. Entries expire after a fixed window.
type CommandDedupe struct {
	cache      *lru.Cache[string, *seenCommand]
	mutex      sync.Mutex
	expiration time.Duration
	now        func() time.Time
}

// NewCommandDedupe creates a new command dedupe cache
func NewCommandDedupe(maxSize int, expiration time.Duration) *CommandDedupe {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if expiration <= 0 {
		expiration = 5 * time.Minute
	}

	cache, _ := lru.New[string, *seenCommand](maxSize)
	return &CommandDedupe{
		cache:      cache,
		expiration: expiration,
		now:        time.Now,
	}
}

// FirstSeen reports whether key has not been handled within the expiration
// window and marks it as handled
func (d *CommandDedupe) FirstSeen(key string) bool {
	if key == "" {
		return true
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	now := d.now()
	if seen, found := d.cache.Get(key); found {
		if now.Sub(seen.Timestamp) <= d.expiration {
			return false
		}
	}

	d.cache.Add(key, &seenCommand{Key: key, Timestamp: now})
	return true
}

// Forget drops key so the next delivery is handled again
func (d *CommandDedupe) Forget(key string) {
	d.cache.Remove(key)
}

// Len returns the number of remembered commands
func (d *CommandDedupe) Len() int {
	return d.cache.Len()
}

// PurgeExpired removes entries older than the expiration window
func (d *CommandDedupe) PurgeExpired() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	now := d.now()
	expired := 0
	for _, key := range d.cache.Keys() {
		if value, found := d.cache.Peek(key); found && now.Sub(value.Timestamp) > d.expiration {
			d.cache.Remove(key)
			expired++
		}
	}
	return expired
}
