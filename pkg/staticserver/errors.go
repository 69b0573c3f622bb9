package staticserver

import (
	"errors"
	"fmt"
)

var (
	// ErrPortInUse はバインド先のポートが他のプロセスに使用されていることを表す
	ErrPortInUse = errors.New("address already in use")
	// ErrAlreadyListening は Listen が二重に呼ばれたことを表す
	ErrAlreadyListening = errors.New("server is already listening")
	// ErrNotListening は Listen 前に Serve が呼ばれたことを表す
	ErrNotListening = errors.New("server is not listening")
)

// BindError is returned by Listen when the TCP listener cannot be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Is reports ErrPortInUse for OS level "address already in use" failures so
// callers never have to inspect errno values themselves.
func (e *BindError) Is(target error) bool {
	return target == ErrPortInUse && isAddrInUse(e.Err)
}
