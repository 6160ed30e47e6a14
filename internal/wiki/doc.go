// Package wiki defines the core types and interfaces shared by the article
// conversion pipeline: the article store, the output sink, worker processes,
// the tagged conversion outcome and the serialized article payload.
package wiki
