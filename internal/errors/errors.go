// Package errors re-exports github.com/cockroachdb/errors so call sites
// across the gateway get stack traces, hints, and structured details
// without importing cockroachdb directly.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)
