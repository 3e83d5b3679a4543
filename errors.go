package mapsync

import (
	"errors"
)

// failure taxonomy:
// - network class: no response, timeout, connectivity lost, server 5xx.
//   retriable and non-corrupting. the optimistic state stands and an
//   equivalent operation is queued for replay.
// - rejected class (validation/conflict/auth): the remote authority saw
//   the request and refused it. the optimistic state is rolled back.
// invariant violations (e.g. deleting the root) are guarded before any
// I/O and never enter the sync pipeline.

var ErrDeleteRoot = errors.New("the root node cannot be deleted")
var ErrSecondRoot = errors.New("map already has a root node")
var ErrMissingParent = errors.New("parent node does not exist")
var ErrMissingNode = errors.New("node does not exist")
var ErrMissingRoot = errors.New("map has no root node")
var ErrMissingPresenceUser = errors.New("presence fact has no user id")

// a structured refusal from the remote authority
type RejectedError struct {
	Message  string
	Conflict bool
}

func (self *RejectedError) Error() string {
	return self.Message
}

func IsRejected(err error) bool {
	var rejectedErr *RejectedError
	return errors.As(err, &rejectedErr)
}

// any remote failure that is not a structured refusal is network class
func IsNetworkClass(err error) bool {
	return err != nil && !IsRejected(err)
}
