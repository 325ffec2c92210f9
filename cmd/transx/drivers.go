package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/transx/config"
	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/internal/memxa"
	"github.com/sushant-115/transx/internal/resource/pgxa"
	"github.com/sushant-115/transx/internal/resource/redisxa"
	"github.com/sushant-115/transx/pkg/connection"
	"github.com/sushant-115/transx/pkg/managed"
)

type driverFunc func(rc config.ResourceConfig) (connection.Factory, error)

var drivers = map[string]driverFunc{
	config.DriverMemory: func(rc config.ResourceConfig) (connection.Factory, error) {
		return memxa.Factory{Store: memxa.NewStore(rc.Name)}, nil
	},
	config.DriverPostgres: func(rc config.ResourceConfig) (connection.Factory, error) {
		f, err := pgxa.NewFactory(rc.DSN)
		if err != nil {
			return nil, err
		}
		return f, nil
	},
	config.DriverRedis: func(rc config.ResourceConfig) (connection.Factory, error) {
		f, err := redisxa.NewFactory(rc.DSN)
		if err != nil {
			return nil, err
		}
		return f, nil
	},
}

// openResources builds every configured resource. On failure the ones
// already opened are closed.
func openResources(ctx context.Context, cfg config.Config, tm transaction.Manager, log *zap.Logger, opts ...managed.Option) ([]*managed.Resource, error) {
	var out []*managed.Resource
	fail := func(err error) ([]*managed.Resource, error) {
		closeResources(ctx, out, log)
		return nil, err
	}
	for _, rc := range cfg.Resources {
		open, ok := drivers[rc.Driver]
		if !ok {
			return fail(fmt.Errorf("resource %s: unknown driver %q", rc.Name, rc.Driver))
		}
		factory, err := open(rc)
		if err != nil {
			return fail(fmt.Errorf("resource %s: %w", rc.Name, err))
		}
		mc, err := rc.Managed()
		if err != nil {
			return fail(fmt.Errorf("resource %s: %w", rc.Name, err))
		}
		r, err := managed.New(mc, factory, tm, append(opts, managed.WithLogger(log))...)
		if err != nil {
			return fail(err)
		}
		out = append(out, r)
	}
	return out, nil
}

func closeResources(ctx context.Context, resources []*managed.Resource, log *zap.Logger) error {
	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].Close(ctx); err != nil {
			log.Warn("Failed to close resource", zap.String("resource", resources[i].Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
