package unread

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeed(t *testing.T) {
	tr := NewTracker()

	changed := tr.Seed(tr.Mark(), map[string]int{"a": 3, "b": 0, "c": -2})
	assert.ElementsMatch(t, []string{"a"}, changed)
	assert.Equal(t, 3, tr.Count("a"))
	assert.Equal(t, 0, tr.Count("b"))
	assert.Equal(t, 0, tr.Count("c"), "expected negative counts to clamp to zero")
	assert.Equal(t, 3, tr.Total())
}

func TestIncrement(t *testing.T) {
	tr := NewTracker()
	tr.SetActive("b")

	assert.True(t, tr.Increment("a", "m1"))
	assert.True(t, tr.Increment("a", "m2"))
	assert.False(t, tr.Increment("a", "m1"), "expected redelivered event to be ignored")
	assert.False(t, tr.Increment("b", "m3"), "expected active room not to count")
	assert.False(t, tr.Increment("", "m4"))
	assert.True(t, tr.Increment("a", ""), "expected id-less events to count")

	assert.Equal(t, 3, tr.Count("a"))
	assert.Equal(t, 0, tr.Count("b"))
}

func TestSeenWhileActive(t *testing.T) {
	tr := NewTracker()
	tr.SetActive("a")
	tr.Seen("a", "m1")
	tr.Seen("a", "")
	tr.Seen("", "m2")
	tr.SetActive("b")

	assert.False(t, tr.Increment("a", "m1"), "expected message shown while active not to count")
	assert.True(t, tr.Increment("a", "m2"))
	assert.Equal(t, 1, tr.Count("a"))
	assert.Equal(t, 0, tr.Total()-tr.Count("a"))
}

func TestSeenWindowEviction(t *testing.T) {
	tr := NewTracker()
	for i := 0; i <= seenWindow; i++ {
		assert.True(t, tr.Increment("a", fmt.Sprintf("m%d", i)))
	}

	// m0 fell out of the window
	assert.True(t, tr.Increment("a", "m0"))
	assert.False(t, tr.Increment("a", fmt.Sprintf("m%d", seenWindow)))
}

func TestStaleSeedAfterClear(t *testing.T) {
	tr := NewTracker()
	tr.SetActive("b")
	tr.Seed(tr.Mark(), map[string]int{"a": 3})

	// refresh starts before the live traffic below
	refresh := tr.Mark()

	assert.True(t, tr.Increment("a", "m1"))
	assert.Equal(t, 4, tr.Count("a"))

	tr.SetActive("a")
	assert.Equal(t, 0, tr.Count("a"))

	changed := tr.Seed(refresh, map[string]int{"a": 3})
	assert.Empty(t, changed)
	assert.Equal(t, 0, tr.Count("a"), "expected stale seed not to overwrite a later clear")
}

func TestStaleSeedAfterIncrement(t *testing.T) {
	tr := NewTracker()
	refresh := tr.Mark()
	tr.Increment("a", "m1")

	tr.Seed(refresh, map[string]int{"a": 0, "b": 5})
	assert.Equal(t, 1, tr.Count("a"), "expected live increment to survive a stale seed")
	assert.Equal(t, 5, tr.Count("b"), "expected untouched rooms to be seeded")
}

func TestSeedAfterMarkRollsBackClear(t *testing.T) {
	tr := NewTracker()
	tr.Seed(tr.Mark(), map[string]int{"a": 2})

	// optimistic read whose acknowledgement never reached the server
	tr.Clear("a")
	assert.Equal(t, 0, tr.Count("a"))

	tr.Seed(tr.Mark(), map[string]int{"a": 2})
	assert.Equal(t, 2, tr.Count("a"), "expected fresh seed to restore the server count")
}

func TestSeedKeepsActiveRoomAtZero(t *testing.T) {
	tr := NewTracker()
	mark := tr.Mark()
	tr.active = "a"

	tr.Seed(mark, map[string]int{"a": 7})
	assert.Equal(t, 0, tr.Count("a"))
}

func TestSetAndClear(t *testing.T) {
	tr := NewTracker()
	tr.SetActive("b")

	assert.True(t, tr.Set("a", 5))
	assert.False(t, tr.Set("a", 5))
	assert.Equal(t, 5, tr.Count("a"))

	assert.False(t, tr.Set("b", 9))
	assert.Equal(t, 0, tr.Count("b"), "expected active room to stay at zero")

	assert.True(t, tr.Clear("a"))
	assert.False(t, tr.Clear("a"), "expected second clear to be a no-op")
	assert.Equal(t, 0, tr.Count("a"))
}

func TestForget(t *testing.T) {
	tr := NewTracker()
	tr.Increment("a", "m1")
	tr.Forget("a")

	assert.Equal(t, 0, tr.Count("a"))
	assert.NotContains(t, tr.Counts(), "a")
	assert.True(t, tr.Increment("a", "m1"), "expected seen ids to be forgotten")
}

func TestCountsIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Set("a", 2)

	c := tr.Counts()
	c["a"] = 100
	assert.Equal(t, 2, tr.Count("a"))
}
