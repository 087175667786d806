// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"errors"
	"fmt"
)

var (
	ErrMethodNotFound     = errors.New("method not found")
	ErrSignalNotFound     = errors.New("signal not found")
	ErrPropertyNotFound   = errors.New("property not found")
	ErrArgumentConversion = errors.New("argument conversion failed")
	ErrDuplicateMember    = errors.New("duplicate member")
	ErrInvalidHandler     = errors.New("invalid handler")
)

// ArityError reports a call or emission with the wrong number of arguments.
type ArityError struct {
	Member string
	Want   int
	Got    int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s: %s takes %d arguments, got %d", ErrArgumentConversion, e.Member, e.Want, e.Got)
}

func (e *ArityError) Unwrap() error { return ErrArgumentConversion }

func wrapArg(member string, i int, err error) error {
	return fmt.Errorf("%w: %s argument %d: %w", ErrArgumentConversion, member, i, err)
}
