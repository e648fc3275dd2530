package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

type jobInfo struct {
	ID     int
	Status string
	hidden string
}

// assertLogMatches fuzzy matches a console line. The time is only checked for its format and the
// caller line number only for being present.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	_, err = time.Parse(DefaultTimeFormatStr, actualParts[0])
	test.That(t, err, test.ShouldBeNil)
	for i := 1; i < len(expectedParts); i++ {
		switch {
		case strings.HasSuffix(expectedParts[i], ".go:N"):
			file, _, found := strings.Cut(actualParts[i], ":")
			test.That(t, found, test.ShouldBeTrue)
			test.That(t, file+":N", test.ShouldEqual, expectedParts[i])
		case strings.HasPrefix(expectedParts[i], "{"):
			var expectedMap, actualMap map[string]any
			test.That(t, json.Unmarshal([]byte(expectedParts[i]), &expectedMap), test.ShouldBeNil)
			test.That(t, json.Unmarshal([]byte(actualParts[i]), &actualMap), test.ShouldBeNil)
			test.That(t, actualMap, test.ShouldResemble, expectedMap)
		default:
			test.That(t, actualParts[i], test.ShouldEqual, expectedParts[i])
		}
	}
}

func TestConsoleOutputFormat(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := newImpl("impl", DEBUG, false, NewWriterAppender(notStdout))

	logger.Info("impl Info log")
	assertLogMatches(t, notStdout,
		"2023-10-30T09:12:09.459-0400\tINFO\timpl\tlogging/impl_test.go:N\timpl Info log")

	logger.Infof("impl %s log", "infof")
	assertLogMatches(t, notStdout,
		"2023-10-30T09:12:09.459-0400\tINFO\timpl\tlogging/impl_test.go:N\timpl infof log")

	logger.Warnw("job done", "job", jobInfo{7, "ok", "x"}, "slot", 3)
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459-0400	WARN	impl	logging/impl_test.go:N	job done	{"job":{"ID":7,"Status":"ok"},"slot":3}`)

	logger.Errorw("unpaired", "key")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459-0400	ERROR	impl	logging/impl_test.go:N	unpaired	{"key":"unpaired log key"}`)
	// No stack trace follows the line.
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)
}

func TestLevels(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := newImpl("lvl", INFO, true, NewWriterAppender(notStdout))

	logger.Debug("hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.SetLevel(DEBUG)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
	logger.Debugf("shown %d", 1)
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "shown 1")

	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.want)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, json.Unmarshal([]byte(`"warn"`), &level), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
}

func TestSubloggerAndFields(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("pipeline").Sublogger("accel")
	sub = sub.WithFields("run", "abc")
	sub.Infow("submitted", "job", 4)

	entries := observed.All()
	test.That(t, len(entries), test.ShouldEqual, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "pipeline.accel")
	test.That(t, entries[0].ContextMap(), test.ShouldResemble, map[string]interface{}{"run": "abc", "job": int64(4)})

	// Appenders added later reach existing subloggers.
	late := &bytes.Buffer{}
	logger.AddAppender(NewWriterAppender(late))
	sub.Info("after")
	test.That(t, late.String(), test.ShouldContainSubstring, "after")
	test.That(t, observed.FilterMessage("after").Len(), test.ShouldEqual, 1)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intuitus.log")
	appender := NewFileAppender(FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	logger := NewBlankLogger("file")
	logger.AddAppender(appender)

	logger.Infow("frame displayed", "sequence", 12)
	test.That(t, logger.Sync(), test.ShouldBeNil)
	test.That(t, appender.Close(), test.ShouldBeNil)

	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldContainSubstring, "frame displayed")
	test.That(t, string(contents), test.ShouldContainSubstring, `{"sequence":12}`)
}
