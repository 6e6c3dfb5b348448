package echoapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func Test_sendLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	limiterNow = func() time.Time { return now }
	defer func() { limiterNow = time.Now }()

	assert.Nil(t, newSendLimiter(0, 5))
	var none *sendLimiter
	assert.True(t, none.allow("alice"))

	l := newSendLimiter(rate.Limit(1), 2)
	require.NotNil(t, l)
	assert.Equal(t, minLimiterIdle, l.idle)

	t.Run("per user buckets", func(t *testing.T) {
		assert.True(t, l.allow("alice"))
		assert.True(t, l.allow("alice"))
		assert.False(t, l.allow("alice"))
		assert.True(t, l.allow("bob"))
		assert.Len(t, l.buckets, 2)
	})

	t.Run("idle buckets are swept", func(t *testing.T) {
		now = now.Add(30 * time.Second)
		assert.True(t, l.allow("bob"))
		assert.Len(t, l.buckets, 2)

		now = now.Add(45 * time.Second) // alice idle for 75s, bob for 45s
		assert.True(t, l.allow("carol"))
		assert.Len(t, l.buckets, 2)
		assert.NotContains(t, l.buckets, "alice")
		assert.Contains(t, l.buckets, "bob")

		// a swept user starts over with a full bucket
		assert.True(t, l.allow("alice"))
		assert.True(t, l.allow("alice"))
		assert.False(t, l.allow("alice"))
	})

	t.Run("slow refill keeps buckets longer", func(t *testing.T) {
		slow := newSendLimiter(rate.Limit(0.5), 60)
		assert.Equal(t, 2*time.Minute, slow.idle)
	})
}
