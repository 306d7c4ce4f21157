// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"errors"
	"fmt"
)

// CapacityError reports a CreateSandbox call rejected because the
// fleet is full. Transient: capacity frees as sandboxes are cleaned
// up.
type CapacityError struct {
	Active int
	Max    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("sandbox capacity exceeded: %d of %d in use", e.Active, e.Max)
}

// IsCapacityExceeded reports whether err is a CapacityError.
func IsCapacityExceeded(err error) bool {
	var capacityErr *CapacityError
	return errors.As(err, &capacityErr)
}

// NotFoundError reports an operation against a sandbox id the manager
// does not own — never created, already deleted, or reaped.
type NotFoundError struct {
	SandboxID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s not found", e.SandboxID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}
