// Command gputaskd runs the GPU task execution and session orchestration
// service: an HTTP API in front of a GpuAllocator, ModelCache, and
// SessionRegistry, grounded on agent/cmd/determined-agent's cobra + viper
// wiring.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("gputaskd exited with error")
		os.Exit(1)
	}
}
