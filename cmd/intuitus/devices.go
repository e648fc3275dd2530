package main

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/camera"
	"go.intuitus.dev/driver/config"
	"go.intuitus.dev/driver/framebuffer"
	"go.intuitus.dev/driver/logging"
	"go.intuitus.dev/driver/pipeline"
)

// simulatedFrameInterval paces the simulated camera at about 30 fps.
const simulatedFrameInterval = 33 * time.Millisecond

// backends are the device backends a config selects.
type backends struct {
	camera      camera.Backend
	accelerator accelerator.Opener
	display     framebuffer.Backend
}

func backendsFor(cfg *config.Config, logger logging.Logger) (backends, error) {
	if cfg.Simulate {
		return simulatedBackends(logger), nil
	}
	return hardwareBackends(cfg, logger)
}

func simulatedBackends(logger logging.Logger) backends {
	cam := camera.NewFakeBackend()
	cam.FrameInterval = simulatedFrameInterval
	return backends{
		camera:      cam,
		accelerator: accelerator.NewFakeTransport(accelerator.FakeInfo, nil, logger.Sublogger("fake")).Opener(),
		display:     framebuffer.NewFakeBackend(),
	}
}

func openCamera(ctx context.Context, cfg *config.Config, b backends, logger logging.Logger) (*camera.Capture, error) {
	cc := cfg.Camera
	req := camera.Format{PixelFormat: cc.PixelFormat(), Width: cc.Width, Height: cc.Height}
	return camera.Open(ctx, cc.Device, req, camera.Options{
		Backend:        b.camera,
		BufferCount:    cc.Buffers,
		RingSize:       cc.RingSize,
		Tolerance:      cc.Tolerance,
		CaptureTimeout: cc.Timeout,
		InitCommands:   cc.InitCommands,
	}, logger.Sublogger("camera"))
}

func openAccelerator(ctx context.Context, cfg *config.Config, b backends, logger logging.Logger) (*accelerator.Interface, error) {
	return accelerator.Open(ctx, accelerator.Options{
		Open:         b.accelerator,
		Timeout:      cfg.Accelerator.Timeout,
		PollInterval: cfg.Accelerator.PollInterval,
	}, logger.Sublogger("accelerator"))
}

func loadModel(ctx context.Context, acc *accelerator.Interface, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read model")
	}
	return errors.Wrapf(acc.LoadModel(ctx, payload), "load model %s", path)
}

func openDisplay(ctx context.Context, cfg *config.Config, b backends, logger logging.Logger) (*framebuffer.Framebuffer, error) {
	return framebuffer.Open(ctx, cfg.Display.Device, framebuffer.Options{Backend: b.display}, logger.Sublogger("display"))
}

// openDevices opens everything the pipeline needs and loads the model. The
// display is opened only when the config shows something. On error nothing
// stays open.
func openDevices(ctx context.Context, cfg *config.Config, logger logging.Logger) (devs pipeline.Devices, err error) {
	b, err := backendsFor(cfg, logger)
	if err != nil {
		return pipeline.Devices{}, err
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, devs.Close())
			devs = pipeline.Devices{}
		}
	}()

	cam, err := openCamera(ctx, cfg, b, logger)
	if err != nil {
		return devs, err
	}
	devs.Camera = cam

	acc, err := openAccelerator(ctx, cfg, b, logger)
	if err != nil {
		return devs, err
	}
	devs.Accelerator = acc
	if err := loadModel(ctx, acc, cfg.Accelerator.Model); err != nil {
		return devs, err
	}

	if cfg.Display.DisplaySource() != pipeline.DisplayNone {
		fb, err := openDisplay(ctx, cfg, b, logger)
		if err != nil {
			return devs, err
		}
		devs.Display = fb
	}
	return devs, nil
}
