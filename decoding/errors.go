package decoding

import (
	"errors"
	"fmt"

	"github.com/maxpert/slotkeeper/wal"
)

var (
	// ErrInvalidConfiguration is returned when a session cannot be created
	// for the given slot, caller or options. Nothing was changed.
	ErrInvalidConfiguration = errors.New("invalid logical decoding configuration")
	// ErrProgrammingFault is returned when a plugin or driver breaks its
	// contract. The session is unusable afterwards.
	ErrProgrammingFault = errors.New("logical decoding contract violation")
	// ErrRetentionExhausted is returned when the catalog rows a slot needs
	// are gone. The slot must be dropped and recreated.
	ErrRetentionExhausted = errors.New("replication slot requires removed catalog rows")
	// ErrSessionTerminated is returned when a session was shut down by
	// recovery. The driver may reconnect.
	ErrSessionTerminated = errors.New("logical decoding session terminated")
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("logical decoding session is closed")
)

// ConfigError describes a rejected session request
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// FaultError describes a contract violation by a plugin or driver
type FaultError struct {
	Msg string
}

func (e *FaultError) Error() string {
	return e.Msg
}

func (e *FaultError) Is(target error) bool {
	return target == ErrProgrammingFault
}

// RetentionExhaustedError reports a slot whose catalog xmin was overtaken by
// the installation's oldest catalog xmin.
type RetentionExhaustedError struct {
	Slot              string
	CatalogXmin       wal.XID
	OldestCatalogXmin wal.XID
}

func (e *RetentionExhaustedError) Error() string {
	return fmt.Sprintf("replication slot '%s' requires catalogs removed by master: need catalog_xmin %s, have oldestCatalogXmin %s",
		e.Slot, e.CatalogXmin, e.OldestCatalogXmin)
}

func (e *RetentionExhaustedError) Is(target error) bool {
	return target == ErrRetentionExhausted
}

// TerminatedError is returned by a session that honoured an interrupt. It
// matches ErrSessionTerminated and unwraps to the interrupt's cause.
type TerminatedError struct {
	Slot  string
	Cause error
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("terminating logical decoding on slot %q: %v", e.Slot, e.Cause)
}

func (e *TerminatedError) Unwrap() error {
	return e.Cause
}

func (e *TerminatedError) Is(target error) bool {
	return target == ErrSessionTerminated
}

// CallbackError attributes an error to the plugin callback that raised it.
type CallbackError struct {
	Slot     string
	Plugin   string
	Callback string
	// LSN is invalid for callbacks without an associated position
	LSN wal.LSN
	Err error
}

func (e *CallbackError) Error() string {
	if e.LSN.IsValid() {
		return fmt.Sprintf("slot %q, output plugin %q, in the %s callback, associated LSN %s: %v",
			e.Slot, e.Plugin, e.Callback, e.LSN, e.Err)
	}
	return fmt.Sprintf("slot %q, output plugin %q, in the %s callback: %v",
		e.Slot, e.Plugin, e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// PanicError is the error of a callback that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panicked: %v", e.Value)
}
