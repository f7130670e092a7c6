// Package server hosts the Fiber HTTP application shared by all cover cache
// routes: request ID and access-log middleware, panic recovery, and the
// outbound HTTP client used to fetch images from origins. Route handlers live
// in the routes subpackage and receive their dependencies explicitly.
package server
