package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.bug.st/serial"
)

// ErrEnumeration indicates that the operating system could not be asked for
// its serial ports. Callers treat the accompanying (possibly empty) list as
// the truth for this pass and try again next time.
var ErrEnumeration = errors.New("channel: enumerating serial ports failed")

// Kind distinguishes the two transport classes a device can sit behind.
type Kind string

const (
	// KindSerial is a local serial port (USB-RS485 converter, built-in UART).
	KindSerial Kind = "serial"

	// KindNetwork is a TCP endpoint (Modbus-TCP gateway, Ethernet inverter).
	KindNetwork Kind = "network"
)

// Descriptor identifies one channel a device could be reachable on.
// The Address doubles as the channel's stable identity in device records:
// a serial path like "/dev/ttyUSB0" or a "host:port" endpoint.
type Descriptor struct {
	Kind    Kind   `json:"kind"`
	Address string `json:"address"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.Kind, d.Address)
}

// PortLister abstracts the OS serial port enumeration so tests can supply
// fixed port sets.
type PortLister func() ([]string, error)

// Enumerator produces the channel set for one discovery pass.
// Ports come and go between passes (USB replug renames devices), so List
// asks the OS fresh on every call and never caches.
type Enumerator struct {
	listPorts PortLister
	network   []string
	exclude   map[string]struct{}
	serialOn  bool
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithPortLister replaces the OS serial enumeration. Used by tests.
func WithPortLister(fn PortLister) Option {
	return func(e *Enumerator) { e.listPorts = fn }
}

// WithSerialDisabled turns off serial enumeration entirely, for sites with
// network-only fleets.
func WithSerialDisabled() Option {
	return func(e *Enumerator) { e.serialOn = false }
}

// WithExclusions removes specific serial paths from enumeration. Typical
// entries are consoles and modems that must never be probed.
func WithExclusions(paths []string) Option {
	return func(e *Enumerator) {
		for _, p := range paths {
			e.exclude[p] = struct{}{}
		}
	}
}

// WithNetworkEndpoints adds statically configured "host:port" endpoints to
// every enumeration.
func WithNetworkEndpoints(endpoints []string) Option {
	return func(e *Enumerator) { e.network = append(e.network, endpoints...) }
}

// NewEnumerator creates an Enumerator. By default serial enumeration is on
// and backed by the OS port list.
func NewEnumerator(opts ...Option) *Enumerator {
	e := &Enumerator{
		listPorts: serial.GetPortsList,
		exclude:   make(map[string]struct{}),
		serialOn:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// List returns the channels available right now, serial ports first (sorted
// for deterministic probe order) followed by configured network endpoints.
//
// When the OS enumeration fails the configured network endpoints are still
// returned together with an error wrapping ErrEnumeration; a transient udev
// hiccup must not blind the whole pass.
func (e *Enumerator) List(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var channels []Descriptor
	var enumErr error

	if e.serialOn {
		ports, err := e.listPorts()
		if err != nil {
			enumErr = fmt.Errorf("%w: %v", ErrEnumeration, err)
		}
		sort.Strings(ports)
		for _, p := range ports {
			if _, skip := e.exclude[p]; skip {
				continue
			}
			channels = append(channels, Descriptor{Kind: KindSerial, Address: p})
		}
	}

	for _, addr := range e.network {
		channels = append(channels, Descriptor{Kind: KindNetwork, Address: addr})
	}

	return channels, enumErr
}
