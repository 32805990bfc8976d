package vaultpki

import (
	"context"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// EnginePKI is the secrets engine type for PKI.
const EnginePKI = "pki"

// EnableOptions configures the lifecycle of an enabled secrets engine.
type EnableOptions struct {
	// MaxLeaseTTL is the maximum lease time-to-live for the mount.
	MaxLeaseTTL time.Duration

	// DefaultLeaseTTL is the default lease time-to-live for the mount.
	DefaultLeaseTTL time.Duration
}

// SystemBackend manages the secrets engine lifecycle. A mount path moves
// Unmounted → Enabled via EnableEngine and back via DisableEngine; there
// are no intermediate states.
type SystemBackend struct {
	client *Client
	logger *zap.Logger
}

// newSystemBackend creates a SystemBackend over the shared transport client.
func newSystemBackend(client *Client) *SystemBackend {
	return &SystemBackend{
		client: client,
		logger: client.logger.With(zap.String("subsystem", "sys")),
	}
}

// EnableEngine enables a secrets engine of the given type at mountPath.
// Enabling an already-enabled path fails with ErrConflict; when two callers
// race on the same path the backend picks the winner and the loser sees
// ErrConflict. A path re-enabled after a disable starts as a fresh engine
// with no role or certificate history.
func (s *SystemBackend) EnableEngine(ctx context.Context, engineType, mountPath, description string, opts *EnableOptions) error {
	if engineType == "" {
		return newValidationError("sys_enable", "engine type is required")
	}
	if mountPath == "" {
		return newValidationError("sys_enable", "mount path is required")
	}

	input := &vaultapi.MountInput{
		Type:        engineType,
		Description: description,
	}
	if opts != nil {
		if opts.MaxLeaseTTL > 0 {
			input.Config.MaxLeaseTTL = opts.MaxLeaseTTL.String()
		}
		if opts.DefaultLeaseTTL > 0 {
			input.Config.DefaultLeaseTTL = opts.DefaultLeaseTTL.String()
		}
	}

	err := s.client.do(ctx, "sys_enable", "sys/mounts/"+mountPath, func() error {
		return s.client.api.Sys().MountWithContext(ctx, mountPath, input)
	})
	if err != nil {
		return err
	}

	s.logger.Info("secrets engine enabled",
		zap.String("type", engineType),
		zap.String("mount", mountPath),
	)

	return nil
}

// DisableEngine disables the secrets engine at mountPath, destroying the
// mount. Disabling an unmounted path fails with ErrNotFound; a second
// disable is an error, not a no-op.
func (s *SystemBackend) DisableEngine(ctx context.Context, mountPath string) error {
	if mountPath == "" {
		return newValidationError("sys_disable", "mount path is required")
	}

	// Vault unmounts missing paths without complaint, so the precondition
	// is checked explicitly to surface the second disable as an error.
	mounted, err := s.IsEngineMounted(ctx, mountPath)
	if err != nil {
		return err
	}
	if !mounted {
		return &OpError{Op: "sys_disable", Path: "sys/mounts/" + mountPath, Err: ErrNotFound}
	}

	err = s.client.do(ctx, "sys_disable", "sys/mounts/"+mountPath, func() error {
		return s.client.api.Sys().UnmountWithContext(ctx, mountPath)
	})
	if err != nil {
		return err
	}

	s.logger.Info("secrets engine disabled", zap.String("mount", mountPath))
	return nil
}

// IsEngineMounted reports whether a secrets engine is enabled at mountPath.
// Pure query, no side effect.
func (s *SystemBackend) IsEngineMounted(ctx context.Context, mountPath string) (bool, error) {
	if mountPath == "" {
		return false, newValidationError("sys_is_mounted", "mount path is required")
	}

	var mounts map[string]*vaultapi.MountOutput
	err := s.client.do(ctx, "sys_is_mounted", "sys/mounts", func() error {
		var err error
		mounts, err = s.client.api.Sys().ListMountsWithContext(ctx)
		return err
	})
	if err != nil {
		return false, err
	}

	_, ok := mounts[strings.TrimSuffix(mountPath, "/")+"/"]
	return ok, nil
}
