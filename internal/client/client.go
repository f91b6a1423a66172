// Package client wires the store, sync engine, monitor, and domain services
// into one handle the CLI and embedding applications use.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/creds"
	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/monitor"
	"github.com/tillsync/tillsync/internal/resolver"
	"github.com/tillsync/tillsync/internal/services/products"
	"github.com/tillsync/tillsync/internal/services/sales"
	"github.com/tillsync/tillsync/internal/store"
	syncengine "github.com/tillsync/tillsync/internal/sync"
	"github.com/tillsync/tillsync/internal/transport"
)

// CredsPassphraseEnv names the environment variable holding the passphrase
// for an encrypted credentials file.
const CredsPassphraseEnv = "TILLSYNC_CREDS_PASSPHRASE"

// Client is the assembled application: local-first document storage plus
// background replication.
type Client struct {
	Store    store.Store
	Products *products.Service
	Sales    *sales.Service
	Resolver *resolver.Resolver
	Sync     *syncengine.Engine
	Monitor  *monitor.Monitor
	Bus      *events.Bus

	config    *config.Config
	logger    *events.Logger
	transport transport.Client
}

// New builds a client from config. The store opens immediately; nothing
// touches the network until the monitor starts or a sync is requested.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := resolveCredentials(cfg); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path, cfg.Store.BusyTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := events.NewBus()
	remote := transport.NewClient(&cfg.Remote, cfg.Sync.Heartbeat, logger)
	res := resolver.New(st, logger)
	engine := syncengine.NewEngine(st, remote, bus, cfg.Sync, logger)
	mon := monitor.New(remote, engine, bus, cfg.Monitor, logger)

	productSvc := products.NewService(st, res, logger)
	saleSvc := sales.NewService(st, res, productSvc, logger)

	return &Client{
		Store:     st,
		Products:  productSvc,
		Sales:     saleSvc,
		Resolver:  res,
		Sync:      engine,
		Monitor:   mon,
		Bus:       bus,
		config:    cfg,
		logger:    logger,
		transport: remote,
	}, nil
}

// Ping probes the remote endpoint once.
func (c *Client) Ping(ctx context.Context) error {
	return c.transport.Ping(ctx)
}

// Close winds down replication and releases the store.
func (c *Client) Close() error {
	c.Monitor.Stop()
	c.Sync.StopAll()

	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resolveCredentials fills the remote auth pair from the credentials file
// when one is configured. Explicit config values win over the file.
func resolveCredentials(cfg *config.Config) error {
	if cfg.Remote.CredentialsFile == "" {
		return nil
	}

	c, err := creds.Load(expandHome(cfg.Remote.CredentialsFile), os.Getenv(CredsPassphraseEnv))
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	if cfg.Remote.URL == "" {
		cfg.Remote.URL = c.URL
	}
	if cfg.Remote.Username == "" {
		cfg.Remote.Username = c.Username
	}
	if cfg.Remote.Password == "" {
		cfg.Remote.Password = c.Password
	}
	return nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
