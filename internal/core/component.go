package core

import (
	"context"
	"fmt"
)

// Component is the minimal lifecycle contract shared by the long-lived parts
// of the process (storage, scheduler, sinks, server).
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck() error
	IsActive() bool
}

// BaseComponent carries the name/active bookkeeping so components only
// implement the parts they care about.
type BaseComponent struct {
	name   string
	active bool
}

func NewBaseComponent(name string) *BaseComponent {
	return &BaseComponent{name: name}
}

func (c *BaseComponent) Name() string { return c.name }

func (c *BaseComponent) IsActive() bool { return c.active }

func (c *BaseComponent) Start(ctx context.Context) error {
	c.active = true
	return nil
}

func (c *BaseComponent) Stop(ctx context.Context) error {
	c.active = false
	return nil
}

func (c *BaseComponent) HealthCheck() error {
	if !c.active {
		return fmt.Errorf("component %s is not active", c.name)
	}
	return nil
}
