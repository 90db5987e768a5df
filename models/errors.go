package models

import "errors"

// ErrNotFound is returned (wrapped) when a topic, post, user or category does not exist.
var ErrNotFound = errors.New("not found")
