package repository

import "errors"

var (
	// ErrPrimaryWrite means the submission was not committed. Nothing was stored.
	ErrPrimaryWrite = errors.New("primary store write failed")
	ErrNotFound     = errors.New("submission not found")
	// ErrStatusRegression is returned for a projection status change that
	// does not move the submission forward.
	ErrStatusRegression = errors.New("projection status cannot move backwards")
	ErrInvalidStatus    = errors.New("invalid projection status")
	ErrNotReviewable    = errors.New("submission is not awaiting review")
	ErrInvalidRecord    = errors.New("invalid projection record")
)
