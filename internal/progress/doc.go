// Package progress carries conversion run events from the pipeline to
// pluggable sinks. A Hub buffers events on a background goroutine, batches
// them and fans each batch out to sinks such as Prometheus metrics, the run
// history store or the log.
package progress
