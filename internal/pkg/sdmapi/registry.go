package sdmapi

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// cache holds the result of the last successful enumeration.  A fetch
// replaces every instance; a failed fetch keeps the previous instances.
type cache[T any] struct {
	mu        sync.RWMutex
	loaded    bool
	items     []T
	onRefresh []func([]T)
}

func (c *cache[T]) list(ctx context.Context, forceRefresh bool, fetch func(context.Context) ([]T, error)) ([]T, error) {
	c.mu.Lock()

	if c.loaded && !forceRefresh {
		items := append([]T(nil), c.items...)
		c.mu.Unlock()
		return items, nil
	}

	items, err := fetch(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.items = items
	c.loaded = true
	hooks := make([]func([]T), len(c.onRefresh))
	copy(hooks, c.onRefresh)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(append([]T(nil), items...))
	}

	return append([]T(nil), items...), nil
}

func (c *cache[T]) find(match func(T) bool) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, item := range c.items {
		if match(item) {
			return item, true
		}
	}

	var zero T
	return zero, false
}

func (c *cache[T]) addHook(f func([]T)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onRefresh = append(c.onRefresh, f)
}

// DeviceRegistry fetches and caches the devices of a project
type DeviceRegistry struct {
	client *Client
	logger *logrus.Entry
	cache  cache[*Device]
}

func NewDeviceRegistry(client *Client) *DeviceRegistry {
	return &DeviceRegistry{
		client: client,
		logger: client.logger,
	}
}

func (r *DeviceRegistry) WithLogger(l *logrus.Entry) *DeviceRegistry {
	r.logger = l
	return r
}

// List returns the cached devices, fetching them on first use or when
// forceRefresh is set.  A fetch builds new instances, so listeners attached
// to the previous ones are dropped.
func (r *DeviceRegistry) List(ctx context.Context, forceRefresh bool) ([]*Device, error) {
	return r.cache.list(ctx, forceRefresh, r.fetch)
}

func (r *DeviceRegistry) fetch(ctx context.Context) ([]*Device, error) {
	r.logger.Debug("Fetching devices")

	docs, err := r.client.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(docs))
	for _, doc := range docs {
		d, err := NewDevice(r.client, doc)
		if errors.Is(err, ErrUnknownDeviceType) {
			r.logger.Debugf("Skipping device: %v", err)
			continue
		}
		if err != nil {
			return nil, err
		}

		devices = append(devices, d)
	}

	r.logger.Infof("Loaded %d devices", len(devices))
	return devices, nil
}

// Lookup finds a cached device by resource name; it never fetches
func (r *DeviceRegistry) Lookup(name string) (*Device, bool) {
	return r.cache.find(func(d *Device) bool { return d.Name == name })
}

// OnRefresh registers f to be called with the new devices after every fetch
func (r *DeviceRegistry) OnRefresh(f func([]*Device)) {
	r.cache.addHook(f)
}

// StructureRegistry fetches and caches the structures of a project
type StructureRegistry struct {
	client *Client
	logger *logrus.Entry
	cache  cache[*Structure]
}

func NewStructureRegistry(client *Client) *StructureRegistry {
	return &StructureRegistry{
		client: client,
		logger: client.logger,
	}
}

func (r *StructureRegistry) WithLogger(l *logrus.Entry) *StructureRegistry {
	r.logger = l
	return r
}

func (r *StructureRegistry) List(ctx context.Context, forceRefresh bool) ([]*Structure, error) {
	return r.cache.list(ctx, forceRefresh, r.fetch)
}

func (r *StructureRegistry) fetch(ctx context.Context) ([]*Structure, error) {
	r.logger.Debug("Fetching structures")

	docs, err := r.client.ListStructures(ctx)
	if err != nil {
		return nil, err
	}

	structures := make([]*Structure, 0, len(docs))
	for _, doc := range docs {
		s, err := NewStructure(r.client, doc)
		if err != nil {
			return nil, err
		}
		structures = append(structures, s)
	}

	r.logger.Infof("Loaded %d structures", len(structures))
	return structures, nil
}

func (r *StructureRegistry) Lookup(name string) (*Structure, bool) {
	return r.cache.find(func(s *Structure) bool { return s.Name == name })
}

func (r *StructureRegistry) OnRefresh(f func([]*Structure)) {
	r.cache.addHook(f)
}
