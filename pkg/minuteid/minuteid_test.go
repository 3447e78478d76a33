package minuteid

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLessOrdersByDayThenHourThenMinuteThenShard(t *testing.T) {
	a := New(1, 23, 59, "z")
	b := New(2, 0, 0, "a")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))

	a = New(1, 5, 10, "a")
	b = New(1, 5, 10, "b")
	assert.True(t, a.Less(b))
}

func TestSortWalksChronologically(t *testing.T) {
	ids := []ID{
		New(2, 0, 0, "a"),
		New(1, 0, 0, "b"),
		New(1, 0, 0, "a"),
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	assert.Equal(t, New(1, 0, 0, "a"), ids[0])
	assert.Equal(t, New(1, 0, 0, "b"), ids[1])
	assert.Equal(t, New(2, 0, 0, "a"), ids[2])
}

func TestStringAndParseRoundTrip(t *testing.T) {
	id := New(12, 4, 59, "7-2")
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not-an-id")
	assert.Error(t, err)
}

func TestFromUnixSeconds(t *testing.T) {
	// 2 days, 3 hours, 4 minutes, 5 seconds
	secs := int64(2*86400 + 3*3600 + 4*60 + 5)
	id := FromUnixSeconds(secs, "shard")
	assert.Equal(t, uint32(2), id.Day)
	assert.Equal(t, uint32(3), id.Hour)
	assert.Equal(t, uint32(4), id.Minute)
	assert.Equal(t, "shard", id.ShardID)
}
