package schema

import "errors"

var (
	// ErrInvalidConfig indicates malformed or contradictory checker configuration.
	ErrInvalidConfig = errors.New("invalid checker config")
	// ErrUnknownChecker indicates a checker name outside the built-in set.
	ErrUnknownChecker = errors.New("unknown checker")
	// ErrProtocol indicates an unexpected action or malformed payload on a worker channel.
	ErrProtocol = errors.New("worker protocol violation")
	// ErrEngineFailed indicates a worker terminated without being asked to.
	ErrEngineFailed = errors.New("diagnostic engine failed")
	// ErrToolingFailure indicates a build check could not run or exited non-zero without diagnostics.
	ErrToolingFailure = errors.New("checker tooling failure")
	// ErrChannelClosed indicates the worker channel no longer accepts actions.
	ErrChannelClosed = errors.New("worker channel closed")
)
