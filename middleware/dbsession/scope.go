package dbsession

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/frewsxcv/ichnaea/database"
)

// ErrScopeFinished: sessões pedidas depois do Finish.
var ErrScopeFinished = errors.New("dbsession: request scope already finished")

// Scope guarda no máximo uma sessão por papel durante uma requisição.
// Não é seguro para uso concorrente.
type Scope struct {
	cluster  *database.Cluster
	master   *database.Session
	replica  *database.Session
	finished bool
	id       string
	log      *log.Entry
}

func NewScope(cluster *database.Cluster, requestID string) *Scope {
	return &Scope{
		cluster: cluster,
		id:      requestID,
		log:     log.WithField("requestID", requestID),
	}
}

// RequestID identifica a requisição nos logs.
func (s *Scope) RequestID() string { return s.id }

// Master retorna a sessão master da requisição, criando-a no primeiro uso.
func (s *Scope) Master(ctx context.Context) (*database.Session, error) {
	if s.finished {
		return nil, ErrScopeFinished
	}
	if s.master != nil {
		return s.master, nil
	}
	session, err := s.cluster.Master.Session(ctx, database.RoleMaster)
	if err != nil {
		return nil, err
	}
	s.master = session
	return session, nil
}

// Replica retorna a sessão replica da requisição, criando-a no primeiro uso. Em banco
// único ela é uma visão somente leitura da sessão master.
func (s *Scope) Replica(ctx context.Context) (*database.Session, error) {
	if s.finished {
		return nil, ErrScopeFinished
	}
	if s.replica != nil {
		return s.replica, nil
	}

	var session *database.Session
	var err error

	if s.cluster.SingleNode() {
		var master *database.Session
		if master, err = s.Master(ctx); err != nil {
			return nil, err
		}
		session, err = master.ReadOnlyView()
	} else {
		session, err = s.cluster.Replica.Session(ctx, database.RoleReplica)
	}
	if err != nil {
		return nil, err
	}
	s.replica = session
	return session, nil
}

// Finish encerra as sessões de acordo com o status da resposta. Só a primeira chamada
// tem efeito. O erro retornado é o da master (commit, rollback ou close); uma falha
// de commit depois de um status de sucesso deve virar erro de servidor.
func (s *Scope) Finish(ctx context.Context, status int) error {
	if s.finished {
		return nil
	}
	s.finished = true

	var err error
	if s.master != nil {
		err = s.finishMaster(ctx, status)
	}
	if s.replica != nil {
		if rerr := s.finishReplica(); rerr != nil {
			s.log.WithField("err", rerr).Warn("closing replica session")
		}
	}
	return err
}

func (s *Scope) finishMaster(ctx context.Context, status int) error {
	var err error
	if s.master.State() == database.StateOpen {
		if status >= http.StatusBadRequest {
			s.log.WithField("status", status).Debug("rolling back master session")
			err = errors.WithMessage(s.master.Rollback(), "rolling back master session")
		} else {
			err = errors.WithMessage(s.master.Commit(ctx), "committing master session")
		}
	}
	if cerr := s.master.Close(); cerr != nil && err == nil {
		err = errors.WithMessage(cerr, "closing master session")
	}
	return err
}

func (s *Scope) finishReplica() error {
	var err error
	if s.replica.State() == database.StateOpen {
		err = s.replica.Rollback()
	}
	if cerr := s.replica.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

type scopeKey struct{}

// WithScope associa o Scope ao contexto da requisição.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext retorna o Scope da requisição, ou nil fora do middleware.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
