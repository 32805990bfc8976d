package vaultpki

import (
	"context"

	"go.uber.org/zap"
)

// Factory produces PKI engine clients bound to mount paths, allowing
// multiple engines to coexist (root CA and intermediate CA, for example).
// The factory holds no per-mount state; every handle references the shared
// transport client.
type Factory struct {
	client *Client
	sys    *SystemBackend
	logger *zap.Logger
}

// NewFactory creates a factory over the given transport client.
func NewFactory(client *Client, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		client: client,
		sys:    newSystemBackend(client),
		logger: logger,
	}
}

// Engine constructs a PKI engine client bound to mountPath. The mount is
// not verified to exist; an unmounted path surfaces on the first operation.
func (f *Factory) Engine(mountPath string) *Engine {
	return newEngine(f.client, mountPath)
}

// SystemBackend returns the secrets engine lifecycle manager.
func (f *Factory) SystemBackend() *SystemBackend {
	return f.sys
}

// EnsureEngine enables a secrets engine at mountPath when absent and
// returns an engine handle for it. Losing an enable race to a concurrent
// caller counts as success. A path re-enabled after a disable is a fresh
// engine: no roles or issuance history carry over.
func (f *Factory) EnsureEngine(ctx context.Context, engineType, mountPath, description string, opts *EnableOptions) (*Engine, error) {
	mounted, err := f.sys.IsEngineMounted(ctx, mountPath)
	if err != nil {
		return nil, err
	}

	if !mounted {
		err := f.sys.EnableEngine(ctx, engineType, mountPath, description, opts)
		switch {
		case err == nil:
		case IsConflict(err):
			// A concurrent caller mounted it first
			f.logger.Debug("engine already enabled by concurrent caller",
				zap.String("mount", mountPath),
			)
		default:
			return nil, err
		}
	}

	return f.Engine(mountPath), nil
}
