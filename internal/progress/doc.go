// Package progress carries capture lifecycle events from jobs and the
// dispatcher to pluggable sinks. Events are batched on a background goroutine
// so emitters never block on a slow sink.
package progress
