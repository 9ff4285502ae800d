// Package shard assigns document IDs to hub stripes so documents spread
// across independent serialization points.
package shard

import "hash/fnv"

// ID represents a stripe number in [0, numStripes).
type ID int

// ForKey computes the stripe for an arbitrary string key.
func ForKey(key string, numStripes int) ID {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ID(int(h.Sum32()) % numStripes)
}
