// Package geometry is the boundary to the planar geometry engine.
//
// The pipeline works on github.com/paulmach/orb values; Engine implementations
// convert to and from their own representation. GEOSEngine is backed by GEOS
// through github.com/twpayne/go-geos. Geometry is exchanged with GEOS as WKB so
// the conversion is lossless.
//
// Every engine fault (invalid topology, GEOS exceptions) is returned as an
// *EngineError, which matches ErrEngine with errors.Is. Engine calls are
// synchronous and are never retried.
package geometry
