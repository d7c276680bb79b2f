// Package providers builds a Backend for a driver configuration.
package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/local"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/remote"
	_ "github.com/Corphon/SceneWeaver/internal/llm/providers/scripted"
)

// NewBackend returns the backend for d.
func NewBackend(d llm.DriverConfig, logger *zap.Logger) (llm.Backend, error) {
	switch cfg := d.(type) {
	case llm.LocalDriver:
		return local.New(cfg, logger)
	case llm.RemoteDriver:
		if logger == nil {
			return remote.New(cfg)
		}
		return remote.New(cfg, remote.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported driver %T", d)
	}
}
