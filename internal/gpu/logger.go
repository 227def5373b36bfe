//go:build !nogpu

package gpu

import (
	"log/slog"

	"github.com/gogpu/dic"
)

// slogger returns the package logger.
// All logging in internal/gpu goes through this function so that
// dic.SetLogger reaches the device and pipeline code.
func slogger() *slog.Logger { return dic.Logger() }
