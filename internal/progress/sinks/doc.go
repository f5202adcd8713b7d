// Package sinks holds progress.Sink implementations for capture events.
package sinks
