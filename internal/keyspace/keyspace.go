// Package keyspace implements arithmetic over the 128 bit partition hash
// space of a Kinesis stream. Shard boundaries are unsigned 128 bit integers,
// so all width calculations run on math/big values, while keyspace shares
// are expressed as float64 percentages compared through a fuzzy comparator.
package keyspace

import (
	"fmt"
	"math"
	"math/big"
)

// PctComparisonScale is the decimal scale at which keyspace shares are
// compared. Shares that differ by less than one unit at scale-1 are equal,
// which absorbs the single hash unit of skew left over when a target shard
// count does not divide the keyspace evenly.
const PctComparisonScale = 10

var (
	// MaxHash is the highest addressable hash key, 2^128 - 1.
	MaxHash = maxHash()

	// size is the total number of hash keys, 2^128.
	size = new(big.Int).Add(MaxHash, big.NewInt(1))

	sizeFloat = new(big.Float).SetInt(size)
)

func maxHash() *big.Int {
	m := new(big.Int).Lsh(big.NewInt(1), 128)
	return m.Sub(m, big.NewInt(1))
}

// Width returns the number of hash keys covered by [start, end].
func Width(start, end *big.Int) *big.Int {
	w := new(big.Int).Sub(end, start)
	return w.Add(w, big.NewInt(1))
}

// PctOfKeyspace returns the share of the total keyspace covered by a hash
// width, as a value in [0, 1].
func PctOfKeyspace(width *big.Int) float64 {
	q := new(big.Float).Quo(new(big.Float).SetInt(width), sizeFloat)
	f, _ := q.Float64()
	return f
}

// HashAtPctOffset returns the hash key located pct of the full keyspace
// above start. The result is the starting hash key of the higher child when
// a shard beginning at start is split at that offset.
func HashAtPctOffset(start *big.Int, pct float64) *big.Int {
	offset, _ := new(big.Float).Mul(big.NewFloat(pct), sizeFloat).Int(nil)
	return new(big.Int).Add(start, offset)
}

// ValidateRange checks the basic shard hash range invariant.
func ValidateRange(start, end *big.Int) error {
	if start.Sign() < 0 || end.Cmp(MaxHash) > 0 {
		return fmt.Errorf("hash range [%s, %s] outside keyspace", start, end)
	}
	if start.Cmp(end) > 0 {
		return fmt.Errorf("hash range start %s greater than end %s", start, end)
	}
	return nil
}

// SoftCompare fuzzily compares two keyspace shares. Both values are rounded
// half-down at PctComparisonScale and treated as equal when they differ by
// less than one unit at scale-1. A stream of 3 balanced shards carries
// shares that differ by a single hash unit, and these must all compare
// equal.
func SoftCompare(a, b float64) int {
	first := roundHalfDown(a, PctComparisonScale)
	second := roundHalfDown(b, PctComparisonScale)

	acceptedVariation := math.Pow(10, -float64(PctComparisonScale-1))
	if math.Abs(first-second) < acceptedVariation {
		return 0
	}
	if first < second {
		return -1
	}
	return 1
}

// roundHalfDown rounds v to the given decimal scale, resolving exact .5
// fractions toward zero.
func roundHalfDown(v float64, scale int) float64 {
	p := math.Pow(10, float64(scale))
	s := v * p
	f := math.Floor(s)
	if s-f > 0.5 {
		f++
	}
	return f / p
}
