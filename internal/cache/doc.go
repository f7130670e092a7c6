// Package cache defines the flat disk-backed store that holds cached cover
// images as StoragePath/<name> files. The store exposes stat/read/write
// primitives with safe semantics (temp file + rename, per-name write locks)
// and surfaces file info (size, modtime) for higher layers. The image cache
// depends on this package to answer lookups without network I/O and to
// persist fetched payloads without duplicating filesystem logic.
package cache
