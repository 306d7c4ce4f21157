// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardian is the policy and approval engine. Every
// state-changing sandbox operation is submitted here as an
// OperationRequest before it happens; the Guardian answers with a
// Decision carrying an approve/deny verdict, a risk level, and any
// advisory conditions.
//
// The Guardian is deliberately stateless per call: a Decision is a
// pure function of the request and the currently loaded rules, ACLs,
// and approved-agent set. Rules are compiled once at construction and
// evaluated in registration order, so the same request against the
// same configuration always yields the same decision.
//
// The Guardian does not audit its own decisions. The caller holds the
// operation context (sandbox id, duration, outcome) and writes the
// audit entry; see the sandbox package.
package guardian
