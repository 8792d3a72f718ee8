package fixtureimage

// isSparseGroup checks if a group should have superblock backup (sparse superblock layout).
func isSparseGroup(group uint32) bool {
	if group <= 1 {
		return true
	}
	// Groups that are powers of 3, 5, or 7
	for _, base := range []uint32{3, 5, 7} {
		for n := base; n <= group; n *= base {
			if n == group {
				return true
			}
		}
	}
	return false
}
