package database

import (
	"database/sql/driver"
	"net"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// ErrorClass é o resultado da classificação de uma falha do probe.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassTransient
)

func (c ErrorClass) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

// Códigos de cliente MySQL que indicam perda de conexão.
const (
	CodeConnRefused     uint16 = 2003 // Can't connect to MySQL server
	CodeServerGone      uint16 = 2006 // MySQL server has gone away
	CodeServerLost      uint16 = 2013 // Lost connection to MySQL server during query
	CodeServerLostSetup uint16 = 2055 // Lost connection to MySQL server at '%s', system error
)

// ClassifyCode mapeia um código numérico do dialeto para transient/fatal.
func ClassifyCode(code uint16) ErrorClass {
	switch code {
	case CodeConnRefused, CodeServerGone, CodeServerLost, CodeServerLostSetup:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// Classify decide se uma falha do probe pode ser recuperada com outra conexão.
//
// go-sql-driver/mysql não expõe os códigos 20xx do libmysqlclient para falhas de
// socket; nesses casos ele devolve driver.ErrBadConn ou mysql.ErrInvalidConn. Falhas
// de dial (o equivalente ao 2003) e timeouts de rede também são transitórios.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return ClassifyCode(myErr.Number)
	}

	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, syscall.ECONNREFUSED):
		return ClassTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient é um atalho para Classify(err) == ClassTransient.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }
