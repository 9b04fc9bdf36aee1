package treeinode

import "errors"

// Internal sentinel causes wrapped by model.ErrConsistency when a
// process-wide-table invariant is violated. These never reach a
// caller directly — model.ToErrno always maps them to EIO.
var (
	errUnexpectedResident = errors.New("treeinode: table already holds a different inode type for this id")
	errChildNotResident    = errors.New("treeinode: expected child directory to already be resident")
)
