package adapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
)

// Dialer opens the raw transport behind a channel descriptor. Adapters take
// a Dialer so tests can substitute in-memory pipes for real ports.
type Dialer interface {
	Dial(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (io.ReadWriteCloser, error) {
	return f(ctx, ch, cfg)
}

// transportDialer is the production Dialer: serial channels open via the OS
// serial stack, network channels via TCP.
type transportDialer struct {
	defaultBaud int
	netDialer   net.Dialer
}

// NewTransportDialer creates the production Dialer for a family whose serial
// devices default to the given baud rate (8N1). A device record's adapter
// config can override the rate with a "baud" entry.
func NewTransportDialer(defaultBaud int) Dialer {
	return &transportDialer{defaultBaud: defaultBaud}
}

func (d *transportDialer) Dial(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (io.ReadWriteCloser, error) {
	switch ch.Kind {
	case channel.KindSerial:
		return d.dialSerial(ch.Address, cfg)
	case channel.KindNetwork:
		conn, err := d.netDialer.DialContext(ctx, "tcp", ch.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnection, ch.Address, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("%w: unsupported channel kind %q", ErrConnection, ch.Kind)
	}
}

func (d *transportDialer) dialSerial(path string, cfg device.AdapterConfig) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: resolveBaud(cfg, d.defaultBaud),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrConnection, path, err)
	}

	// Bound individual reads; the overall probe deadline is enforced by
	// the caller closing the port.
	if err := port.SetReadTimeout(2 * time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: configuring %s: %v", ErrConnection, path, err)
	}

	return port, nil
}

// resolveBaud applies a record's "baud" override to the family default.
// JSON numbers decode as float64.
func resolveBaud(cfg device.AdapterConfig, defaultBaud int) int {
	if v, ok := cfg["baud"].(float64); ok && v > 0 {
		return int(v)
	}
	return defaultBaud
}

// serialParams reports the effective connection parameters for a probe, in
// the shape the device record stores them. Network channels carry their
// endpoint in the channel address and have no tunable parameters.
func serialParams(ch channel.Descriptor, cfg device.AdapterConfig, defaultBaud int) device.AdapterConfig {
	if ch.Kind != channel.KindSerial {
		return device.AdapterConfig{}
	}
	return device.AdapterConfig{"baud": float64(resolveBaud(cfg, defaultBaud))}
}
