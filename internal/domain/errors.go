package domain

import "errors"

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidDates    = errors.New("invalid date window")
)
