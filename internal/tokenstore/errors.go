package tokenstore

import "fmt"

// PersistenceError reports a failure to read, parse or write the stored record.
type PersistenceError struct {
	Op       string // "load" or "save"
	Location string // file path or keyring service/user
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("token store %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
