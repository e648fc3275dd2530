//go:build linux && (amd64 || arm64)

package main

import (
	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/camera"
	"go.intuitus.dev/driver/config"
	"go.intuitus.dev/driver/framebuffer"
	"go.intuitus.dev/driver/logging"
)

func hardwareBackends(cfg *config.Config, logger logging.Logger) (backends, error) {
	return backends{
		camera:      camera.V4L2Backend{},
		accelerator: accelerator.ProxyOpener(cfg.Accelerator.Device, logger.Sublogger("proxy")),
		display:     framebuffer.FbdevBackend{TTY: cfg.Display.TTY, Logger: logger.Sublogger("fbdev")},
	}, nil
}
