package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", "json", &buf)
	require.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("deposit_id", 7).Info("deposit created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "deposit created", line["msg"])
	require.EqualValues(t, 7, line["deposit_id"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New("chatty", "", &buf)
	require.Equal(t, logrus.InfoLevel, log.GetLevel())

	log.Debug("hidden")
	require.Empty(t, buf.String())
}
