package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/camera"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/logging"
	"go.intuitus.dev/driver/pipeline"
)

const minimal = `{
	"camera": {"width": 640, "height": 480},
	"accelerator": {"model": "model.intu"}
}`

func TestFromReaderDefaults(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(minimal))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Camera.Device, test.ShouldEqual, DefaultCameraDevice)
	test.That(t, cfg.Camera.PixelFormat(), test.ShouldEqual, frame.FormatUYVY)
	test.That(t, cfg.Camera.Buffers, test.ShouldEqual, camera.DefaultBufferCount)
	test.That(t, cfg.Camera.Timeout, test.ShouldEqual, camera.DefaultCaptureTimeout)
	test.That(t, cfg.Accelerator.Device, test.ShouldEqual, accelerator.DefaultProxyPath)
	test.That(t, cfg.Accelerator.Timeout, test.ShouldEqual, accelerator.DefaultTimeout)
	test.That(t, cfg.Display.DisplaySource(), test.ShouldEqual, pipeline.DisplayNone)
	test.That(t, cfg.Pipeline.MaxRecoveries, test.ShouldEqual, pipeline.DefaultMaxRecoveries)
	test.That(t, cfg.Log.Level, test.ShouldEqual, "info")
	test.That(t, cfg.Simulate, test.ShouldBeFalse)
}

func TestFromReaderDecodes(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(`{
		"simulate": true,
		"camera": {
			"device": "/dev/video2", "format": "GREY", "width": 320, "height": 240,
			"buffers": 6, "tolerance": 0.1, "timeout": "250ms",
			"init_commands": ["media-ctl -r"]
		},
		"accelerator": {"device": "/dev/fake", "model": "m.intu", "timeout": "3s", "poll_interval": "2ms"},
		"display": {"device": "/dev/fb1", "tty": "/dev/tty1", "source": "output"},
		"pipeline": {"max_recoveries": 5, "recovery_backoff": "1s"},
		"log": {"level": "debug", "file": "/tmp/intuitus.log"}
	}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Simulate, test.ShouldBeTrue)
	test.That(t, cfg.Camera.PixelFormat(), test.ShouldEqual, frame.FormatGrey)
	test.That(t, cfg.Camera.Buffers, test.ShouldEqual, 6)
	test.That(t, cfg.Camera.Timeout, test.ShouldEqual, 250*time.Millisecond)
	test.That(t, cfg.Camera.InitCommands, test.ShouldResemble, []string{"media-ctl -r"})
	test.That(t, cfg.Accelerator.Timeout, test.ShouldEqual, 3*time.Second)
	test.That(t, cfg.Accelerator.PollInterval, test.ShouldEqual, 2*time.Millisecond)
	test.That(t, cfg.Display.TTY, test.ShouldEqual, "/dev/tty1")
	test.That(t, cfg.Display.DisplaySource(), test.ShouldEqual, pipeline.DisplayOutput)
	test.That(t, cfg.Pipeline.MaxRecoveries, test.ShouldEqual, 5)
	test.That(t, cfg.Pipeline.RecoveryBackoff, test.ShouldEqual, time.Second)
	test.That(t, cfg.Log.File, test.ShouldEqual, "/tmp/intuitus.log")
}

func TestFromReaderRejects(t *testing.T) {
	for name, tc := range map[string]struct {
		json string
		want string
	}{
		"bad json":       {`{`, "cannot parse"},
		"unknown field":  {`{"camera": {"width": 1, "height": 1, "colour": 1}, "accelerator": {"model": "m"}}`, "colour"},
		"missing width":  {`{"camera": {"height": 1}, "accelerator": {"model": "m"}}`, "camera"},
		"bad format":     {`{"camera": {"width": 1, "height": 1, "format": "MJPG"}, "accelerator": {"model": "m"}}`, "MJPG"},
		"too many bufs":  {`{"camera": {"width": 1, "height": 1, "buffers": 64}, "accelerator": {"model": "m"}}`, "buffers"},
		"bad tolerance":  {`{"camera": {"width": 1, "height": 1, "tolerance": 1.5}, "accelerator": {"model": "m"}}`, "tolerance"},
		"missing model":  {`{"camera": {"width": 1, "height": 1}}`, "model"},
		"bad source":     {`{"camera": {"width": 1, "height": 1}, "accelerator": {"model": "m"}, "display": {"source": "hdmi"}}`, "hdmi"},
		"bad level":      {`{"camera": {"width": 1, "height": 1}, "accelerator": {"model": "m"}, "log": {"level": "loud"}}`, "loud"},
		"bad duration":   {`{"camera": {"width": 1, "height": 1, "timeout": "soon"}, "accelerator": {"model": "m"}}`, "timeout"},
		"negative delay": {`{"camera": {"width": 1, "height": 1}, "accelerator": {"model": "m", "timeout": "-1s"}}`, "accelerator"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromReader(strings.NewReader(tc.json))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.want)
		})
	}
}

func TestReadExpandsEnvironment(t *testing.T) {
	t.Setenv("INTUITUS_MODEL", "/models/yolo.intu")
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"camera": {"width": 64, "height": 48}, "accelerator": {"model": "${INTUITUS_MODEL}"}}`
	test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Accelerator.Model, test.ShouldEqual, "/models/yolo.intu")

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWatch(t *testing.T) {
	logger := logging.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(minimal), 0o600), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(cfg *Config) { changes <- cfg })
	}()

	// Keep rewriting until the watcher, which starts asynchronously, sees it.
	invalid := `{"camera": {"width": -1}}`
	valid := strings.Replace(minimal, "640", "800", 1)
	testutils.WaitForAssertionWithSleep(t, 50*time.Millisecond, 100, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, os.WriteFile(path, []byte(invalid), 0o600), test.ShouldBeNil)
		test.That(tb, os.WriteFile(path, []byte(valid), 0o600), test.ShouldBeNil)
		select {
		case cfg := <-changes:
			test.That(tb, cfg.Camera.Width, test.ShouldEqual, 800)
		case <-time.After(4 * reloadDelay):
			tb.Fatal("no change delivered")
		}
	})

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
}
