package store

import "errors"

var (
	ErrStoreClosed = errors.New("store closed")
	ErrNotInteger  = errors.New("value is not an integer")
)
