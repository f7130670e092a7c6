// Package imagecache implements the content-addressed cover image cache.
//
// An origin URL maps to <StoragePath>/<md5-hex>.jpg; presence of that file is
// the whole cache state. Ensure fetches on miss (single-flight per digest),
// validates the payload decodes as an image and persists it atomically.
// CachedURL rewrites origin URLs to <PublicPrefix>/<md5-hex>.jpg according to
// an explicit populate mode (sync, async or off) and never fails: every
// internal error degrades to returning the origin URL.
//
// Each entry also gets a <md5-hex>.origin sidecar so a rewritten URL whose
// image was removed out-of-band can be traced back to its origin and
// re-fetched instead of being returned as a dangling link.
package imagecache
