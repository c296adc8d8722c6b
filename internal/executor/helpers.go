package executor

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"
)

func unixConnFromFile(f *os.File) (*net.UnixConn, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}

	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()

		return nil, os.ErrInvalid
	}

	return uc, nil
}

func dup2(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, 0)
}

// fail logs and exits the Executor process; spec.md §7 requires every
// fatal path to log before exiting.
func fail(err error) {
	logrus.WithError(err).Error("executor failed")
	os.Exit(1)
}
