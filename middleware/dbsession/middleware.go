package dbsession

import (
	"bytes"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/frewsxcv/ichnaea/database"
)

const DefaultRequestIDHeader = "X-Request-Id"

type Options struct {
	Cluster *database.Cluster
	// RequestIDHeader é lido da requisição e ecoado na resposta. Sem valor na
	// requisição, um UUID é gerado.
	RequestIDHeader string
}

// Middleware cria um Scope por requisição e o finaliza com o status da resposta.
// Se o handler entrar em panic, o Scope é finalizado como 500 e o panic segue adiante.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RequestIDHeader == "" {
		opts.RequestIDHeader = DefaultRequestIDHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(opts.RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(opts.RequestIDHeader, id)

			scope := NewScope(opts.Cluster, id)
			ctx := r.Context()

			defer func() {
				if p := recover(); p != nil {
					if err := scope.Finish(ctx, http.StatusInternalServerError); err != nil {
						scope.log.WithField("err", err).Error("finishing sessions after panic")
					}
					panic(p)
				}
			}()

			buf := newBufferedResponse(w.Header())
			next.ServeHTTP(buf, r.WithContext(WithScope(ctx, scope)))

			if err := scope.Finish(ctx, buf.statusCode()); err != nil {
				scope.log.WithFields(log.Fields{
					"err":    err,
					"status": buf.statusCode(),
				}).Error("finishing request sessions")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			buf.writeTo(w)
		})
	}
}

// StatusFor traduz erros de checkout/sessão para um status HTTP.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, database.ErrPoolExhausted),
		errors.Is(err, database.ErrConnectionUnavailable),
		errors.Is(err, database.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bufferedResponse segura status e corpo até o Scope ser finalizado. Os headers são
// os do ResponseWriter original.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse(h http.Header) *bufferedResponse {
	return &bufferedResponse{header: h}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedResponse) writeTo(w http.ResponseWriter) {
	w.WriteHeader(b.statusCode())
	_, _ = b.body.WriteTo(w)
}
