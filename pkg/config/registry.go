package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/embedql/vfskit/internal/logger"
	"github.com/embedql/vfskit/pkg/vfs"
	"github.com/embedql/vfskit/pkg/vfs/blockmirror"
	"github.com/embedql/vfskit/pkg/vfs/memory"
	"github.com/embedql/vfskit/pkg/vfs/sahpool"
)

// Runtime is a registry built from configuration together with the backend
// instances that need explicit shutdown.
type Runtime struct {
	Registry *vfs.Registry

	pools   []*sahpool.Pool
	mirrors []*blockmirror.Mirror
}

// Build applies the logging configuration and installs every configured
// backend into a fresh registry. Backends are installed in list order, so
// with no explicit default the first one answers unqualified opens.
//
// On failure, backends already installed are shut down before returning.
func Build(ctx context.Context, cfg *Config) (*Runtime, error) {
	logger.SetLevel(cfg.Logging.Level)

	rt := &Runtime{Registry: vfs.NewRegistry()}
	for i, backend := range cfg.Backends {
		if err := rt.install(ctx, backend); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("backends[%d] (%s %q): %w", i, backend.Type, backend.Name, err)
		}
	}
	return rt, nil
}

func (rt *Runtime) install(ctx context.Context, backend BackendConfig) error {
	switch backend.Type {
	case "memory":
		return rt.Registry.Register(backend.Name, memory.New(), backend.Default)

	case "sahpool":
		var cfg sahpool.Config
		if err := decodeSection(backend.SAHPool, &cfg); err != nil {
			return err
		}
		cfg.Name = backend.Name
		pool, err := sahpool.Install(ctx, rt.Registry, cfg, backend.Default)
		if err != nil {
			return err
		}
		rt.pools = append(rt.pools, pool)
		return nil

	case "blockmirror":
		var cfg blockmirror.Config
		if err := decodeSection(backend.BlockMirror, &cfg); err != nil {
			return err
		}
		cfg.Name = backend.Name
		mirror, err := blockmirror.Install(ctx, rt.Registry, cfg, backend.Default)
		if err != nil {
			return err
		}
		rt.mirrors = append(rt.mirrors, mirror)
		return nil

	default:
		return fmt.Errorf("unknown backend type %q: %w", backend.Type, vfs.ErrUnsupported)
	}
}

// Close shuts down every installed backend, releasing pooled handles and
// draining pending flushes. Errors are collected rather than
// short-circuited so one failing backend cannot strand the others.
func (rt *Runtime) Close() error {
	var errs []error
	for _, pool := range rt.pools {
		if err := pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, mirror := range rt.mirrors {
		if err := mirror.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// decodeSection decodes a raw backend section into its typed configuration.
// WeaklyTypedInput matches viper's behavior for values arriving from
// environment variables as strings.
func decodeSection(section map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(section); err != nil {
		return fmt.Errorf("failed to decode backend section: %w", err)
	}
	return nil
}
