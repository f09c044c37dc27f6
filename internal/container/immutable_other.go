//go:build !linux

package container

var clearImmutable = func(string) error { return nil }
