// Package util holds small helpers shared by the transport packages.
package util

// CloneSlice clones slice with cloneSize.
//
// Controller adapters may hand back over-allocated or padded buffers; the
// transports use this to slice out exactly the reported byte count into a
// buffer the caller owns. This function will use src length as the clone
// size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}
