package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommandDedupe(t *testing.T) {
	t.Run("second delivery is a duplicate", func(t *testing.T) {
		d := NewCommandDedupe(10, time.Minute)

		assert.True(t, d.FirstSeen("docker:task:dispatch:t1"))
		assert.False(t, d.FirstSeen("docker:task:dispatch:t1"))
		assert.True(t, d.FirstSeen("docker:task:dispatch:t2"))
		assert.Equal(t, 2, d.Len())
	})

	t.Run("empty key is never deduplicated", func(t *testing.T) {
		d := NewCommandDedupe(10, time.Minute)
		assert.True(t, d.FirstSeen(""))
		assert.True(t, d.FirstSeen(""))
		assert.Equal(t, 0, d.Len())
	})

	t.Run("forget allows redelivery", func(t *testing.T) {
		d := NewCommandDedupe(10, time.Minute)
		assert.True(t, d.FirstSeen("k"))
		d.Forget("k")
		assert.True(t, d.FirstSeen("k"))
	})

	t.Run("entries expire", func(t *testing.T) {
		d := NewCommandDedupe(10, time.Minute)
		now := time.Now()
		d.now = func() time.Time { return now }

		assert.True(t, d.FirstSeen("k"))
		assert.True(t, d.FirstSeen("other"))

		now = now.Add(2 * time.Minute)
		assert.True(t, d.FirstSeen("k"))
		assert.Equal(t, 1, d.PurgeExpired())
		assert.Equal(t, 1, d.Len())
	})

	t.Run("least recent entries are evicted at capacity", func(t *testing.T) {
		d := NewCommandDedupe(2, time.Minute)
		d.FirstSeen("a")
		d.FirstSeen("b")
		d.FirstSeen("c")

		assert.Equal(t, 2, d.Len())
		assert.True(t, d.FirstSeen("a"))
	})

	t.Run("invalid parameters fall back to defaults", func(t *testing.T) {
		d := NewCommandDedupe(0, 0)
		assert.Equal(t, 5*time.Minute, d.expiration)
		assert.True(t, d.FirstSeen("k"))
	})
}
