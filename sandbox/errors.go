// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/cordon-systems/cordon/guardian"
)

// PolicyDeniedError is returned when the Guardian rejects an
// operation. Never retried automatically: the same request against the
// same policy yields the same decision.
type PolicyDeniedError struct {
	Operation string
	Reason    string
	Risk      guardian.RiskLevel
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("operation %s denied (risk %s): %s", e.Operation, e.Risk, e.Reason)
}

// IsPolicyDenied reports whether err is (or wraps) a Guardian denial.
func IsPolicyDenied(err error) bool {
	var denied *PolicyDeniedError
	return errors.As(err, &denied)
}

// TimeoutError is returned when a command exceeds its effective
// timeout. The sandbox itself survives; only the command is abandoned.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

// IsTimeout reports whether err is (or wraps) a command timeout.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}
