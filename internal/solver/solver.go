// SPDX-License-Identifier: MIT

// Package solver abstracts the external CAPTCHA-solving vendor. The
// vendor transport is not part of this repository; deployments plug
// one in behind the Solver interface, and an unconfigured binary
// reports ErrNotConfigured so callers can fall back to a manual
// CAPTCHA pause.
package solver

import (
	"context"
	"errors"
)

// ErrNotConfigured means no solver backend is wired in. Callers treat
// it as "ask a human" rather than as a failure.
var ErrNotConfigured = errors.New("solver: not configured")

// Solver turns a CAPTCHA image into its text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Disabled is the no-vendor solver.
type Disabled struct{}

func (Disabled) Solve(context.Context, []byte) (string, error) {
	return "", ErrNotConfigured
}

// Func adapts a plain function to the Solver interface.
type Func func(ctx context.Context, image []byte) (string, error)

func (f Func) Solve(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

var (
	_ Solver = Disabled{}
	_ Solver = Func(nil)
)
