package domain

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrTrackNotFound   = errors.New("track not found")
	ErrInvalidTrackRef = errors.New("invalid track reference")
	ErrInvalidLayout   = errors.New("unsupported layout")
	ErrSessionNotFound = errors.New("session not found")

	ErrNoEligibleTracks          = errors.New("no eligible tracks")
	ErrNoPortsAvailable          = errors.New("no ports available")
	ErrRelayWireFailure          = errors.New("relay wire failure")
	ErrProcessSpawnFailure       = errors.New("process spawn failure")
	ErrProcessExitedUnexpectedly = errors.New("process exited unexpectedly")
)
