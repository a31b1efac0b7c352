package gstreamer

import (
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"go.uber.org/zap"
)

type FactoryConfig struct {
	// RTSPLatency is the rtspsrc jitter buffer in milliseconds.
	RTSPLatency int
}

// Factory hands every connection attempt a fresh Source.
type Factory struct {
	cfg    FactoryConfig
	logger *zap.SugaredLogger
}

func NewFactory(cfg FactoryConfig, logger *zap.SugaredLogger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

func (f *Factory) NewSource(params domain.ConnectionParams) (ports.CameraSource, error) {
	if !params.Protocol.Streamable() {
		return nil, fmt.Errorf("%w: protocol %q", domain.ErrInvalidParams, params.Protocol)
	}
	return newSource(f.cfg.RTSPLatency, f.logger.With("protocol", params.Protocol)), nil
}
