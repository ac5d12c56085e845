package tether

import "github.com/tetherws/tether/pkg/rews"

var (
	ErrRetriesExhausted = rews.ErrRetriesExhausted
	ErrQueued           = rews.ErrQueued
	ErrClosed           = rews.ErrClosed
	ErrAlreadyRunning   = rews.ErrAlreadyRunning
)

type RetriesExhaustedError = rews.RetriesExhaustedError
