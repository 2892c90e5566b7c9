package service

import "errors"

// ErrDuplicateKey is returned (wrapped) by store implementations when an
// insert violates a uniqueness constraint that the caller must be able to
// distinguish from a generic failure, e.g. CreateReceivedMessage on an
// existing (platformConfigId, providerMessageId) tuple, or CreateAlias on
// an existing (platformConfigId, providerUserId) tuple. Callers use
// errors.Is(err, ErrDuplicateKey) rather than inspecting driver-specific
// error codes.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrNotFound is returned (wrapped) by store implementations when a
// lookup by id finds no row. Handlers map it to apperr.NotFound.
var ErrNotFound = errors.New("not found")
