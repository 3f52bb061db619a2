// Package provision creates staff-side containers for new threads. The
// engine talks to a Provisioner interface; Catalog is the store-backed
// reference implementation with per-pool capacity. Pool wraps a Provisioner
// with a single fallback attempt when the primary pool is full.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
)

var (
	// ErrCapacityExceeded means the target pool cannot hold another container.
	ErrCapacityExceeded = errors.New("container pool at capacity")
	// ErrPermissionDenied means the provisioner rejected the request outright.
	ErrPermissionDenied = errors.New("provisioner permission denied")
)

// Provisioner creates and removes containers.
type Provisioner interface {
	CreateContainer(ctx context.Context, pool, name, topic string) (string, error)
	DeleteContainer(ctx context.Context, ref string) error
}

// Catalog is a store-backed provisioner. Each created container gets a
// catalog record; capacity counts live records per pool.
type Catalog struct {
	mu       sync.Mutex
	capacity int
}

var refSeq uint64

// NewCatalog builds a catalog with the given per-pool capacity. Zero or
// negative means the conventional limit of 50.
func NewCatalog(capacity int) *Catalog {
	if capacity <= 0 {
		capacity = 50
	}
	return &Catalog{capacity: capacity}
}

func (c *Catalog) CreateContainer(_ context.Context, pool, name, topic string) (string, error) {
	if pool == "" {
		return "", ErrPermissionDenied
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, err := store.ListContainers(pool)
	if err != nil {
		return "", fmt.Errorf("catalog list failed: %w", err)
	}
	live := 0
	for _, ec := range existing {
		if !ec.Deleted {
			live++
		}
	}
	if live >= c.capacity {
		return "", ErrCapacityExceeded
	}
	ref := fmt.Sprintf("chan-%d-%d", time.Now().UTC().UnixNano(), atomic.AddUint64(&refSeq, 1))
	rec := models.Container{
		Ref:       ref,
		Pool:      pool,
		Name:      name,
		Topic:     topic,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	if err := store.SaveContainer(rec); err != nil {
		return "", fmt.Errorf("catalog save failed: %w", err)
	}
	logger.Info("container_created", "ref", ref, "pool", pool, "name", name)
	return ref, nil
}

func (c *Catalog) DeleteContainer(_ context.Context, ref string) error {
	if err := store.MarkContainerDeleted(ref); err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	logger.Info("container_deleted", "ref", ref)
	return nil
}

// Pool routes provisioning to a primary pool with one fallback attempt
// when the primary is full. There is no retry loop: a second capacity
// failure surfaces to the caller.
type Pool struct {
	p        Provisioner
	primary  string
	fallback string
}

func NewPool(p Provisioner, primary, fallback string) *Pool {
	return &Pool{p: p, primary: primary, fallback: fallback}
}

// Primary returns the primary pool name.
func (p *Pool) Primary() string { return p.primary }

// Provision creates a container in the primary pool, falling back once on
// capacity exhaustion. It reports which pool served the request.
func (p *Pool) Provision(ctx context.Context, name, topic string) (ref, pool string, err error) {
	ref, err = p.p.CreateContainer(ctx, p.primary, name, topic)
	if err == nil {
		return ref, p.primary, nil
	}
	metrics.ProvisionFailures.WithLabelValues(p.primary).Inc()
	if !errors.Is(err, ErrCapacityExceeded) || p.fallback == "" {
		return "", p.primary, err
	}
	logger.Warn("provision_primary_full", "primary", p.primary, "fallback", p.fallback)
	metrics.ProvisionFallbacks.Inc()
	ref, ferr := p.p.CreateContainer(ctx, p.fallback, name, topic)
	if ferr != nil {
		metrics.ProvisionFailures.WithLabelValues(p.fallback).Inc()
		return "", p.fallback, ferr
	}
	return ref, p.fallback, nil
}

// Delete removes a container through the underlying provisioner.
func (p *Pool) Delete(ctx context.Context, ref string) error {
	return p.p.DeleteContainer(ctx, ref)
}
