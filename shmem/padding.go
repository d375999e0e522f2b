package shmem

const pageSize = 4096

// dynamicBufferLength grows a requested allocation by an eighth and rounds
// up to a whole page. The slack amortizes ftruncate calls when batches grow
// a little on every step.
func dynamicBufferLength(n uint64) uint64 {
	padded := n + n/8
	return (padded + pageSize - 1) &^ (pageSize - 1)
}
