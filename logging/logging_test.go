package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/frewsxcv/ichnaea/config"
)

func resetLogger(t *testing.T) {
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{})
		log.SetLevel(log.InfoLevel)
		log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	})
}

func TestInitJSONAddsServiceFields(t *testing.T) {
	resetLogger(t)
	require.NoError(t, Init(config.LoggingConfig{Level: "debug", Format: "json"}, "locationd", "1.2.3"))

	var buf bytes.Buffer
	SetOutput(&buf)
	log.WithField("service", "override").Debug("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "override", line["service"])
	require.Equal(t, "1.2.3", line["version"])
	require.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestInitRejectsUnknownValues(t *testing.T) {
	resetLogger(t)
	require.Error(t, Init(config.LoggingConfig{Level: "info", Format: "xml"}, "locationd", "dev"))
	require.Error(t, Init(config.LoggingConfig{Level: "loud", Format: "text"}, "locationd", "dev"))
}

func TestInitRepeatedDoesNotStackHooks(t *testing.T) {
	resetLogger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, Init(config.LoggingConfig{Level: "info", Format: "text"}, "locationd", "dev"))
	}
	require.Len(t, log.StandardLogger().Hooks[log.InfoLevel], 1)
}
