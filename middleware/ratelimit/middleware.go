package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frewsxcv/ichnaea/middleware/ratelimit/application"
	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
)

// KeyFunc identifica o cliente de uma requisição.
type KeyFunc func(r *http.Request) string

// ActionFunc nomeia a ação (bucket) de uma requisição.
type ActionFunc func(r *http.Request) string

type Options struct {
	Store domain.CounterStore
	Stats domain.StatsStore

	// MaxRequests por Window, por chave. MaxRequests <= 0 desliga o limite.
	MaxRequests int64
	Window      time.Duration
	// KeyLimits sobrescreve MaxRequests para clientes específicos (ex.: API keys
	// de parceiros).
	KeyLimits map[string]int64

	KeyFn              KeyFunc
	ActionFn           ActionFunc
	KeyParam           string
	KeyHeader          string
	TrustXForwardedFor bool

	RejectStatus        int
	AddRateLimitHeaders bool
}

// DefaultKeyFunc procura o cliente na query (keyParam), no header, no primeiro IP do
// X-Forwarded-For (se confiável) e por fim no RemoteAddr.
func DefaultKeyFunc(keyParam, keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyParam != "" {
			if v := strings.TrimSpace(r.URL.Query().Get(keyParam)); v != "" {
				return v
			}
		}
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// DefaultActionFunc usa a rota sem barras nas pontas ("/v1/search" vira "v1/search").
func DefaultActionFunc(r *http.Request) string {
	if action := strings.Trim(r.URL.Path, "/"); action != "" {
		return action
	}
	return "root"
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if (opts.MaxRequests <= 0 && len(opts.KeyLimits) == 0) || opts.Store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyParam, opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.ActionFn == nil {
		opts.ActionFn = DefaultActionFunc
	}

	svc := application.Service{Store: opts.Store}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := opts.KeyFn(r)
			action := opts.ActionFn(r)
			key := domain.Key(action + ":" + client)

			rule := domain.Rule{MaxRequests: opts.MaxRequests, Window: opts.Window}
			if limit, ok := opts.KeyLimits[client]; ok {
				rule.MaxRequests = limit
			}

			dec, err := svc.DecideRule(r.Context(), key, rule)
			switch {
			case err != nil:
				decisionsTotal.WithLabelValues(action, "error").Inc()
				log.WithFields(log.Fields{"key": key, "err": err}).Warn("rate limit store failed, admitting request")
			case dec.Allowed:
				decisionsTotal.WithLabelValues(action, "admitted").Inc()
			default:
				decisionsTotal.WithLabelValues(action, "rejected").Inc()
			}

			if opts.Stats != nil && err == nil && rule.MaxRequests > 0 {
				if serr := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     key,
					Action:  action,
					Allowed: dec.Allowed,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      time.Now(),
				}); serr != nil {
					log.WithField("err", serr).Debug("recording rate limit stats")
				}
			}

			if opts.AddRateLimitHeaders && err == nil && rule.MaxRequests > 0 {
				w.Header().Set("X-RateLimit-Limit", formatInt(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
			}
			if !dec.Allowed {
				w.Header().Set("Retry-After", formatSeconds(dec.RetryAfter))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
