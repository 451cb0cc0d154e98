package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func resetStandardLogger() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{})
	log.SetLevel(log.InfoLevel)
}

func TestCustomOutputForApplicationLog(t *testing.T) {
	defer resetStandardLogger()

	var buf bytes.Buffer
	Init(Options{ApplicationLogOutput: &buf})
	msg := "Hello, world!"
	log.Info(msg)
	if !strings.Contains(buf.String(), msg) {
		t.Error("failed to use custom output")
	}
}

func TestCustomPrefixForApplicationLog(t *testing.T) {
	defer resetStandardLogger()

	var buf bytes.Buffer
	prefix := "[TEST_PREFIX]"
	Init(Options{
		ApplicationLogOutput: &buf,
		ApplicationLogPrefix: prefix})
	log.Infof("Hello, world!")
	got := buf.String()
	if !strings.HasPrefix(got, "[TEST_PREFIX]") || !strings.Contains(got, "Hello, world!") {
		t.Error("failed to use custom prefix")
	}
}

func TestJSONApplicationLog(t *testing.T) {
	defer resetStandardLogger()

	var buf bytes.Buffer
	Init(Options{ApplicationLogOutput: &buf, ApplicationLogJSONEnabled: true})
	log.Info("json")
	if !strings.Contains(buf.String(), `"msg":"json"`) {
		t.Errorf("failed to log json, got %q", buf.String())
	}
}

func TestApplicationLogLevel(t *testing.T) {
	defer resetStandardLogger()

	var buf bytes.Buffer
	Init(Options{ApplicationLogOutput: &buf, ApplicationLogLevel: log.DebugLevel})
	log.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("failed to set level, got %q", buf.String())
	}
}
