package database

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrPoolExhausted: nenhuma conexão livre dentro do PoolTimeout.
	ErrPoolExhausted = errors.New("database: timed out waiting for a free connection")

	// ErrConnectionUnavailable: o probe falhou de forma transitória em todas as tentativas.
	ErrConnectionUnavailable = errors.New("database: no healthy connection available")

	// ErrPoolClosed é retornado por Acquire depois de Pool.Close.
	ErrPoolClosed = errors.New("database: pool is closed")

	// ErrReadOnlySession: sessões replica nunca fazem commit.
	ErrReadOnlySession = errors.New("database: replica session cannot commit")
)

// FatalConnectionError envolve uma falha do probe que não é reconhecida como transitória.
// O erro original do driver fica disponível via errors.Unwrap / errors.As.
type FatalConnectionError struct {
	Err error
}

func (e *FatalConnectionError) Error() string {
	return fmt.Sprintf("database: connection probe failed: %v", e.Err)
}

func (e *FatalConnectionError) Unwrap() error { return e.Err }

// Cause mantém compatibilidade com errors.Cause.
func (e *FatalConnectionError) Cause() error { return e.Err }

// SessionStateError indica Commit/Rollback fora de ordem (erro de programação).
type SessionStateError struct {
	Op    string
	State SessionState
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("database: cannot %s a session in state %s", e.Op, e.State)
}
