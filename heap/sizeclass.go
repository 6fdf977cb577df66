package heap

// DefaultClassBounds lists the inclusive block-size upper bound of each
// segregated size class. The final class is always unbounded, so a table of
// seven bounds yields eight classes.
var DefaultClassBounds = []int{32, 64, 128, 256, 512, 1024, 2048}

// SingleClassBounds configures the degenerate one-list variant: every free
// block lands in the single unbounded class and the fit search scans one
// explicit list.
var SingleClassBounds = []int{}

// classIndex maps a block size to its segregated class.
func classIndex(bounds []int, asize int) int {
	for class, bound := range bounds {
		if asize <= bound {
			return class
		}
	}
	return len(bounds)
}
