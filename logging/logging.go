// Package logging configura o logrus global do processo.
package logging

import (
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/frewsxcv/ichnaea/config"
)

// Init aplica formato e nível. Todo evento recebe os campos "service" e
// "version".
func Init(cfg config.LoggingConfig, service, version string) error {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		return errors.Errorf("unrecognized log format %q", cfg.Format)
	}

	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "unrecognized log level")
	}
	log.SetLevel(lvl)

	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	log.AddHook(fieldsHook{"service": service, "version": version})
	return nil
}

// SetOutput redireciona o logger global (testes).
func SetOutput(w io.Writer) { log.SetOutput(w) }

type fieldsHook log.Fields

func (fieldsHook) Levels() []log.Level { return log.AllLevels }

func (h fieldsHook) Fire(e *log.Entry) error {
	for k, v := range h {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}
