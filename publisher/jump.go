package publisher

import "github.com/cespare/xxhash/v2"

// JumpHash maps key onto [0, numBuckets) with the jump consistent hash
// function (Lamping & Veach). Stable across processes for a fixed bucket
// count.
func JumpHash(key uint64, numBuckets int32) int32 {
	var b int64 = -1
	var j int64
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}

// Bucket routes a primary key to its lane.
func Bucket(primaryKey []byte, bucketCount int) int {
	return int(JumpHash(xxhash.Sum64(primaryKey), int32(bucketCount)))
}
