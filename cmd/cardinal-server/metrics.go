package main

import "sync/atomic"

// Metrics holds the server's monitoring counters. All fields are atomic so
// connection goroutines update them without coordination; INFO reads them
// the same way.
type Metrics struct {
	TotalConnections    atomic.Uint64 // connections ever accepted
	RejectedConnections atomic.Uint64 // connections turned away at the limit
	TotalCommands       atomic.Uint64 // commands ever dispatched
}

func NewMetrics() *Metrics {
	return &Metrics{}
}
