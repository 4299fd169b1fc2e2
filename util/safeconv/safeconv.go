package safeconv

import (
	"math"
	"time"
)

// IntSliceToInt64Slice widens tokenizer ids into the int64 layout the translator graph expects.
func IntSliceToInt64Slice(input []int) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Uint32SliceToInt64Slice widens rust tokenizer ids.
func Uint32SliceToInt64Slice(input []uint32) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Int32SliceToInt64Slice widens token ids read back from a datastore.
func Int32SliceToInt64Slice(input []int32) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Int64SliceToIntSlice narrows token ids with clamping into the int range.
func Int64SliceToIntSlice(input []int64) []int {
	out := make([]int, len(input))
	for i, v := range input {
		switch {
		case v > math.MaxInt:
			out[i] = math.MaxInt
		case v < math.MinInt:
			out[i] = math.MinInt
		default:
			out[i] = int(v)
		}
	}
	return out
}

// Int64SliceToUint32Slice converts token ids with clamping into [0, MaxUint32].
func Int64SliceToUint32Slice(input []int64) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		out[i] = Int64ToUint32(v)
	}
	return out
}

// Int64ToUint32 converts int64 to uint32 with clamping into [0, MaxUint32].
func Int64ToUint32(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
