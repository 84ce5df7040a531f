package adapter

import (
	"fmt"

	"github.com/nerrad567/voltlink-core/internal/device"
)

// Registry maps device families to their identification adapters and resolves
// the order in which unclaimed channels are probed.
type Registry struct {
	adapters map[device.Family]Adapter
	order    []device.Family
}

// NewRegistry creates a registry probing families in the given priority
// order. Every family in the order must gain an adapter via Register before
// the registry is used.
func NewRegistry(priorityOrder []device.Family) *Registry {
	order := make([]device.Family, len(priorityOrder))
	copy(order, priorityOrder)
	return &Registry{
		adapters: make(map[device.Family]Adapter),
		order:    order,
	}
}

// Register adds an adapter. Registering the same family twice is a
// programming error.
func (r *Registry) Register(a Adapter) error {
	family := a.Family()
	if _, exists := r.adapters[family]; exists {
		return fmt.Errorf("adapter for family %q already registered", family)
	}
	r.adapters[family] = a
	return nil
}

// Get returns the adapter for a family.
func (r *Registry) Get(family device.Family) (Adapter, error) {
	a, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	return a, nil
}

// ProbeOrder returns the configured family priority order, restricted to
// families that actually have adapters. The slice is a copy.
func (r *Registry) ProbeOrder() []device.Family {
	out := make([]device.Family, 0, len(r.order))
	for _, f := range r.order {
		if _, ok := r.adapters[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// DefaultRegistry wires the built-in family adapters over production
// transports in the given priority order.
func DefaultRegistry(priorityOrder []device.Family) (*Registry, error) {
	r := NewRegistry(priorityOrder)
	for _, a := range []Adapter{
		NewMeterAdapter(nil),
		NewBatteryAdapter(nil),
		NewInverterG3Adapter(nil),
		NewInverterX1Adapter(nil),
	} {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}
