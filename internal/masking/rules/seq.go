package rules

// TCP sequence numbers live in a 32-bit cyclic space. Two numbers are
// compared by the sign of their difference, which is correct as long as
// they are less than 2^31 apart.

// SeqDiff returns a-b as a signed distance.
func SeqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// SeqLess reports whether a comes before b.
func SeqLess(a, b uint32) bool {
	return SeqDiff(a, b) < 0
}

// SeqLEQ reports whether a comes before or equals b.
func SeqLEQ(a, b uint32) bool {
	return SeqDiff(a, b) <= 0
}

// SeqMin returns whichever of a and b comes first.
func SeqMin(a, b uint32) uint32 {
	if SeqLess(b, a) {
		return b
	}
	return a
}
