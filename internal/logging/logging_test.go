package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Options{Service: "lanlinker-test", JSON: true, Writer: buf})
	defer log.SetLevel(log.InfoLevel)

	WithFuncName().Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "lanlinker-test", line["service"])
	assert.Equal(t, "hello", line["msg"])
	assert.Contains(t, line, "epochTimeMillis")
	assert.True(t, strings.HasSuffix(line[FieldFuncName].(string), "TestSetupJSON"))
}

func TestSetupVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Options{Service: "x", Verbose: true, Writer: buf})
	defer log.SetLevel(log.InfoLevel)

	assert.Equal(t, log.DebugLevel, log.GetLevel())
	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
