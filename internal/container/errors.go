package container

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when a container name or its profile is
	// already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrZoneNotFound is returned when a profile names a virtual network zone
	// that does not exist on the host.
	ErrZoneNotFound = errors.New("virtual zone not found")
	// ErrNoPreviousGeneration is returned when a rollback has nothing to roll
	// back to.
	ErrNoPreviousGeneration = errors.New("no previous generation")
)

// Error reports a violated precondition on a container.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("container %s: %s", e.Name, e.Message)
}
