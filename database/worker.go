package database

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WithSession executa fn em uma sessão fora do ciclo de uma requisição (tarefas e
// scripts). Se fn retornar erro ou entrar em panic a sessão sofre rollback; caso
// contrário sessões master fazem commit. A sessão é sempre fechada.
func WithSession(ctx context.Context, db *Database, role Role, fn func(*Session) error) (err error) {
	session, err := db.Session(ctx, role)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = session.Close()
			panic(r)
		}
		if cerr := session.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err = fn(session); err != nil {
		if session.State() == StateOpen {
			if rerr := session.Rollback(); rerr != nil {
				log.WithFields(log.Fields{"db": db.Name(), "err": rerr}).Warn("rollback after task error failed")
			}
		}
		return err
	}
	if role == RoleMaster && session.State() == StateOpen {
		return errors.WithMessage(session.Commit(ctx), "committing task session")
	}
	return nil
}
