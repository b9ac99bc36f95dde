/*
Package cache keeps recently read dataset buffers of the pass-through store
in memory.

Pass-through datasets live in the blob store; every read, and every partial
write (read, patch, write back), fetches the whole buffer. With a cache in
front, repeated access to the same dataset costs one fetch:

	lru := cache.NewLRU(&cache.Config{MaxSize: 256 << 20})
	store := passthru.New(backend, passthru.Config{Cache: lru})

The cache is bounded in bytes and optionally in entries. Writes and
deletions through the store invalidate the affected keys, so the cache
never serves a buffer older than the last write made through the same
store. Writes by other processes to a shared store are not seen until the
entry is evicted.
*/
package cache
