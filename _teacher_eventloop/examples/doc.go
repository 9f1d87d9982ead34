// Package examples contains runnable example programs demonstrating
// the eventloop package functionality.
//
// # Examples
//
// The examples directory contains the following subdirectories:
//
//   - 01_basic_usage: Fundamental event loop operations
//   - 02_promises: Promise patterns and combinators
//   - 03_timers: Timer patterns including debouncing
//   - 04_shutdown: Graceful shutdown handling
//
// # Running Examples
//
// Each example can be run from the examples directory:
//
//	cd eventloop/examples
//	go run ./01_basic_usage/
//	go run ./02_promises/
//	go run ./03_timers/
//	go run ./04_shutdown/
//
// # Prerequisites
//
// Examples require Go 1.21+ and the eventloop package:
//
//	go get github.com/joeycumines/go-eventloop
package examples
