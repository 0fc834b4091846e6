package errs

import (
	"fmt"
)

// Wrap tags err with a package sentinel. Both stay reachable through errors.Is.
func Wrap(sentinel, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func WrapMsg(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func WrapMsgErr(sentinel error, msg string, err error) error {
	if err == nil {
		return WrapMsg(sentinel, msg)
	}
	return fmt.Errorf("%w: %s: %w", sentinel, msg, err)
}
