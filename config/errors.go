package config

import "fmt"

// ErrConfiguration marks invalid settings. It is fatal at startup.
type ErrConfiguration struct {
	Err error
}

func (e ErrConfiguration) Error() string {
	return fmt.Sprintf("configuration: %v", e.Err)
}

func (e ErrConfiguration) Unwrap() error {
	return e.Err
}
