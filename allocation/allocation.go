// Package allocation splits a fixed income across users in proportion to their payhash.
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
)

// ErrInvariant is returned when the inputs or the result break the allocation invariants.
var ErrInvariant = errs.Class("allocation invariant")

// Options controls truncation and where the remainder goes.
type Options struct {
	// Scale is the number of decimal places of the smallest currency unit.
	Scale int32
	// SinkUserId is paid for its own score and for any score missing from userScores.
	SinkUserId int64
	// ResidueToLastUser hands the truncation residue to the last user in id order instead
	// of the sink.
	ResidueToLastUser bool
}

// Allocate splits totalAmount by userScore/totalScore. Users are visited in ascending id
// order, each portion truncated at opts.Scale. The share of score not owned by a regular
// user always goes to the sink. The truncation residue goes to the sink as well, or to the
// last regular user when opts.ResidueToLastUser is set.
func Allocate(totalAmount decimal.Decimal, totalScore int64, userScores map[int64]int64, opts Options) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal)
	if !totalAmount.IsPositive() || totalScore <= 0 {
		return out, nil
	}

	users := make([]int64, 0, len(userScores))
	var claimed int64
	for userId, score := range userScores {
		if score < 0 {
			return nil, ErrInvariant.New("negative score %d for user %d", score, userId)
		}
		claimed += score
		if userId == opts.SinkUserId || score == 0 {
			continue
		}
		users = append(users, userId)
	}
	if claimed > totalScore {
		return nil, ErrInvariant.New("user scores %d exceed total score %d", claimed, totalScore)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	divisor := decimal.NewFromInt(totalScore)
	remaining := totalAmount
	var regular int64
	for _, userId := range users {
		score := userScores[userId]
		regular += score
		portion, _ := totalAmount.Mul(decimal.NewFromInt(score)).QuoRem(divisor, opts.Scale)
		if portion.IsZero() {
			continue
		}
		out[userId] = portion
		remaining = remaining.Sub(portion)
	}

	if opts.ResidueToLastUser && len(users) > 0 {
		// sink keeps its truncated share, the residue stays with the last user
		sinkPortion, _ := totalAmount.Mul(decimal.NewFromInt(totalScore - regular)).QuoRem(divisor, opts.Scale)
		if sinkPortion.IsPositive() {
			out[opts.SinkUserId] = sinkPortion
			remaining = remaining.Sub(sinkPortion)
		}
		if remaining.IsNegative() {
			return nil, ErrInvariant.New("negative remainder %s", remaining)
		}
		if remaining.IsPositive() {
			last := users[len(users)-1]
			out[last] = out[last].Add(remaining)
		}
		return out, nil
	}

	if remaining.IsNegative() {
		return nil, ErrInvariant.New("negative remainder %s", remaining)
	}
	if remaining.IsPositive() {
		out[opts.SinkUserId] = out[opts.SinkUserId].Add(remaining)
	}
	return out, nil
}

// Sum adds up an allocation.
func Sum(shares map[int64]decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range shares {
		sum = sum.Add(v)
	}
	return sum
}
