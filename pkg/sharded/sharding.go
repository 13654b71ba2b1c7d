package sharded

import "hash/fnv"

// getShardIndex calculates the shard index for a given key using the
// FNV-1a hash. numShards must be a power of 2 for the bitwise AND
// optimization to work correctly.
func getShardIndex(key string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}

// isPowerOfTwo reports whether n is a power of two. The teacher's own
// pkg/sharded calls this from map.go/set.go but never defines it in the
// package; pkg/pool.isPowerOfTwo is a same-named but unexported function
// in a different package, so it can't satisfy that call. Defined here so
// NewMap's power-of-two check actually compiles.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
