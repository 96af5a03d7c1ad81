package allocation

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sink = int64(2)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAllocateExactSplit(t *testing.T) {
	shares, err := Allocate(d("1000"), 1000, map[int64]int64{10: 300, 11: 700}, Options{Scale: 0, SinkUserId: sink})
	require.NoError(t, err)

	assert.True(t, shares[10].Equal(d("300")))
	assert.True(t, shares[11].Equal(d("700")))
	_, ok := shares[sink]
	assert.False(t, ok, "nothing left for the sink")
	assert.True(t, Sum(shares).Equal(d("1000")))
}

func TestAllocateRemainderToSink(t *testing.T) {
	shares, err := Allocate(d("1001"), 1000, map[int64]int64{10: 300, 11: 700}, Options{Scale: 0, SinkUserId: sink})
	require.NoError(t, err)

	assert.True(t, shares[10].Equal(d("300")))
	assert.True(t, shares[11].Equal(d("700")))
	assert.True(t, shares[sink].Equal(d("1")))
	assert.True(t, Sum(shares).Equal(d("1001")))
}

func TestAllocateUnclaimedScoreGoesToSink(t *testing.T) {
	// 200 of the 1000 payhash belongs to nobody.
	shares, err := Allocate(d("0.00001000"), 1000, map[int64]int64{10: 300, 11: 500}, Options{Scale: 8, SinkUserId: sink})
	require.NoError(t, err)

	assert.True(t, shares[10].Equal(d("0.000003")))
	assert.True(t, shares[11].Equal(d("0.000005")))
	assert.True(t, shares[sink].Equal(d("0.000002")))
}

func TestAllocateSinkScoreIsNotPaidTwice(t *testing.T) {
	shares, err := Allocate(d("10"), 10, map[int64]int64{10: 3, sink: 7}, Options{Scale: 0, SinkUserId: sink})
	require.NoError(t, err)
	assert.True(t, shares[10].Equal(d("3")))
	assert.True(t, shares[sink].Equal(d("7")))
}

func TestAllocateResidueToLastUser(t *testing.T) {
	shares, err := Allocate(d("100"), 3, map[int64]int64{30: 1, 20: 1, 10: 1}, Options{Scale: 0, SinkUserId: sink, ResidueToLastUser: true})
	require.NoError(t, err)

	assert.True(t, shares[10].Equal(d("33")))
	assert.True(t, shares[20].Equal(d("33")))
	assert.True(t, shares[30].Equal(d("34")), "last user in id order absorbs the residue")
	_, ok := shares[sink]
	assert.False(t, ok)
}

func TestAllocateResidueToLastUserKeepsUnclaimedWithSink(t *testing.T) {
	// 700 of the 1000 payhash belongs to nobody
	shares, err := Allocate(d("1000"), 1000, map[int64]int64{10: 300}, Options{Scale: 0, SinkUserId: sink, ResidueToLastUser: true})
	require.NoError(t, err)
	assert.True(t, shares[10].Equal(d("300")))
	assert.True(t, shares[sink].Equal(d("700")))

	// the sink gets its truncated share, only the residue moves to the last user
	shares, err = Allocate(d("100"), 3, map[int64]int64{10: 1, 20: 1}, Options{Scale: 0, SinkUserId: sink, ResidueToLastUser: true})
	require.NoError(t, err)
	assert.True(t, shares[10].Equal(d("33")))
	assert.True(t, shares[20].Equal(d("34")))
	assert.True(t, shares[sink].Equal(d("33")))
	assert.True(t, Sum(shares).Equal(d("100")))

	// nobody but the sink: everything stays there
	shares, err = Allocate(d("100"), 3, map[int64]int64{sink: 2}, Options{Scale: 0, SinkUserId: sink, ResidueToLastUser: true})
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.True(t, shares[sink].Equal(d("100")))
}

func TestAllocateEmpty(t *testing.T) {
	for _, tc := range []struct {
		name   string
		amount decimal.Decimal
		total  int64
	}{
		{"zero amount", decimal.Zero, 10},
		{"negative amount", d("-5"), 10},
		{"zero score", d("5"), 0},
		{"negative score", d("5"), -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			shares, err := Allocate(tc.amount, tc.total, map[int64]int64{1: 5}, Options{Scale: 8, SinkUserId: sink})
			require.NoError(t, err)
			assert.Empty(t, shares)
		})
	}
}

func TestAllocateRejectsOverclaim(t *testing.T) {
	_, err := Allocate(d("5"), 10, map[int64]int64{1: 6, 3: 6}, Options{Scale: 8})
	require.Error(t, err)
	assert.True(t, ErrInvariant.Has(err))
}

func TestAllocateConservesAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		users := make(map[int64]int64)
		var total int64
		for n := rng.Intn(20) + 1; n > 0; n-- {
			score := rng.Int63n(1_000_000) + 1
			users[rng.Int63n(1000)+10] += score
			total += score
		}
		total += rng.Int63n(1000) // unclaimed work
		if total == 0 {
			continue
		}
		amount := decimal.New(rng.Int63n(1_000_000_000)+1, -8)
		lastUser := i%2 == 0

		shares, err := Allocate(amount, total, users, Options{Scale: 8, SinkUserId: sink, ResidueToLastUser: lastUser})
		require.NoError(t, err)
		require.True(t, Sum(shares).Equal(amount), "iteration %d: %s != %s", i, Sum(shares), amount)
		for userId, v := range shares {
			require.False(t, v.IsNegative(), "user %d", userId)
		}

		again, err := Allocate(amount, total, users, Options{Scale: 8, SinkUserId: sink, ResidueToLastUser: lastUser})
		require.NoError(t, err)
		require.Equal(t, len(shares), len(again))
		for userId, v := range shares {
			require.True(t, v.Equal(again[userId]))
		}
	}
}
