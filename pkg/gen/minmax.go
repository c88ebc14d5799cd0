package gen

type Float interface {
	~float32 | ~float64
}

type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type Ordered interface {
	Integer | Float | ~string
}

func Clamp[T Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Argmax returns the index of the largest element, or -1 if the slice is empty.
// Ties go to the earliest element.
func Argmax[T Ordered](s []T) int {
	best := -1
	for i, v := range s {
		if best == -1 || v > s[best] {
			best = i
		}
	}
	return best
}
