package main

import (
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/conflict"
	"loom/internal/ledger"
	"loom/internal/lock"
	"loom/internal/registry"
	"loom/internal/resource"
)

// cliHolder owns locks taken by inspection commands.
const cliHolder = "loom-cli"

type components struct {
	cfg   *config.Config
	locks *lock.Manager
}

func (c *commandContext) components() (*components, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	locks, err := lock.NewFromConfig(cfg, cliHolder, nil)
	if err != nil {
		return nil, err
	}
	return &components{cfg: cfg, locks: locks}, nil
}

func (c *components) registry() (*registry.Registry, error) {
	return registry.NewFromConfig(c.cfg, c.locks, nil)
}

func (c *components) bus(recipient string) (*bus.Bus, error) {
	return bus.NewFromConfig(c.cfg, recipient, nil)
}

func (c *components) global() *resource.Global {
	return resource.NewGlobalFromConfig(c.cfg, nil)
}

func (c *components) resolver() (*conflict.Resolver, error) {
	return conflict.NewFromConfig(c.cfg, c.locks, nil)
}

func (c *components) ledger() (*ledger.Store, error) {
	return ledger.OpenFromConfig(c.cfg)
}
