package network

import (
	"runtime"
	"time"
)

type Config struct {
	// Version is stamped into every envelope header.
	Version          string
	MaxMessageLength uint64
	RequestChanSize  int
	SendChanSize     int
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	// TaskTimeout is the deadline of a task that does not carry its own.
	TaskTimeout time.Duration
	// MaxConsecutiveTimeouts drops the connection once that many tasks in a
	// row time out.
	MaxConsecutiveTimeouts int
	HandlerWorkerPoolSize  int
	ReconnectBackoff       time.Duration
	MaxReconnectBackoff    time.Duration
}

// DefaultConfig sizes the server worker pool from the number of CPUs.
func DefaultConfig() *Config {
	numCPU := runtime.NumCPU()
	var numWorkers int
	if numCPU < 4 {
		numWorkers = 8
	} else {
		numWorkers = numCPU * 4
		if numWorkers > 256 {
			numWorkers = 256
		}
	}

	return &Config{
		Version:                "1",
		MaxMessageLength:       16 * 1024 * 1024,
		HandlerWorkerPoolSize:  numWorkers,
		RequestChanSize:        numWorkers * 32,
		SendChanSize:           1024,
		WriteTimeout:           10 * time.Second,
		DialTimeout:            10 * time.Second,
		TaskTimeout:            15 * time.Second,
		MaxConsecutiveTimeouts: 3,
		ReconnectBackoff:       time.Second,
		MaxReconnectBackoff:    30 * time.Second,
	}
}
