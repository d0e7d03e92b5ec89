package main

import (
	"context"
	"fmt"
	"io"

	"github.com/loykin/runreaper"
	"github.com/loykin/runreaper/pkg/client"
)

type command struct {
	out io.Writer
}

func (c command) client(f APIFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	return client.New(cfg)
}

func (c command) reconcile(ctx context.Context, f ReconcileFlags) error {
	api, err := c.client(f.APIFlags)
	if err != nil {
		return err
	}
	if err := api.Reconcile(ctx, f.Provider); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Reconciled %s\n", f.Provider)
	return nil
}

// reconcileLocal builds an engine from config without starting it and runs
// one sweep of the provider.
func (c command) reconcileLocal(ctx context.Context, path, provider string) error {
	cfg, log, closer, err := loadConfig(path)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	cfg.Metrics.Enabled = false

	e, err := runreaper.New(ctx, cfg, runreaper.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	if err := e.Reconcile(ctx, provider); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Reconciled %s\n", provider)
	return nil
}

func (c command) providers(ctx context.Context, f APIFlags) error {
	api, err := c.client(f)
	if err != nil {
		return err
	}
	p, err := api.Providers(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, p)
	return nil
}

func (c command) runs(ctx context.Context, f RunsFlags) error {
	api, err := c.client(f.APIFlags)
	if err != nil {
		return err
	}
	if f.Name != "" {
		r, err := api.Run(ctx, f.Name)
		if err != nil {
			return err
		}
		printJSON(c.out, r)
		return nil
	}
	rs, err := api.Runs(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, rs)
	return nil
}

func (c command) cleanup(ctx context.Context, f CleanupFlags) error {
	api, err := c.client(f.APIFlags)
	if err != nil {
		return err
	}
	if err := api.Cleanup(ctx, f.Name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Cleanup queued for run %s\n", f.Name)
	return nil
}

func (c command) queue(ctx context.Context, f APIFlags) error {
	api, err := c.client(f)
	if err != nil {
		return err
	}
	q, err := api.Queue(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, q)
	return nil
}
