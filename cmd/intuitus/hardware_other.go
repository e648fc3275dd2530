//go:build !(linux && (amd64 || arm64))

package main

import (
	"runtime"

	"github.com/pkg/errors"

	"go.intuitus.dev/driver/config"
	"go.intuitus.dev/driver/logging"
)

func hardwareBackends(cfg *config.Config, logger logging.Logger) (backends, error) {
	return backends{}, errors.Errorf("no hardware support on %s/%s, use --simulate", runtime.GOOS, runtime.GOARCH)
}
