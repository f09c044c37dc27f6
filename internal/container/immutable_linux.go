//go:build linux

package container

import (
	"os"

	"golang.org/x/sys/unix"
)

// FS_IMMUTABLE_FL from linux/fs.h.
const fsImmutableFL = 0x00000010

var clearImmutable = func(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	flags, err := unix.IoctlGetUint32(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		return err
	}
	if flags&fsImmutableFL == 0 {
		return nil
	}
	cleared := int(flags &^ fsImmutableFL)
	return unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, cleared)
}
