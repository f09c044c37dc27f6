package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/cochaviz/nixos-nspawn/internal/command"
	"github.com/cochaviz/nixos-nspawn/internal/container"
	"github.com/cochaviz/nixos-nspawn/internal/unitfile"
)

const (
	exitOK                   = 0
	exitFailure              = 1
	exitContainerMissing     = 2
	exitNoPreviousGeneration = 3
	exitContainerError       = 10
	exitCommandError         = 11
	exitInterrupted          = 130
)

type invalidUsage struct {
	err error
}

func (e *invalidUsage) Error() string { return e.err.Error() }
func (e *invalidUsage) Unwrap() error { return e.err }

func usageError(err error) error {
	return &invalidUsage{err: err}
}

func exitCode(err error) int {
	var (
		missing  *missingError
		usage    *invalidUsage
		cerr     *container.Error
		parseErr *unitfile.ParseError
		cmdErr   *command.Error
	)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.As(err, &usage), errors.Is(err, fs.ErrPermission):
		return exitFailure
	case errors.As(err, &missing):
		return exitContainerMissing
	case errors.Is(err, container.ErrNoPreviousGeneration):
		return exitNoPreviousGeneration
	case errors.As(err, &cerr),
		errors.As(err, &parseErr),
		errors.Is(err, container.ErrAlreadyExists),
		errors.Is(err, container.ErrZoneNotFound):
		return exitContainerError
	case errors.As(err, &cmdErr):
		return exitCommandError
	default:
		return exitFailure
	}
}
