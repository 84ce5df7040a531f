package adapter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
)

// Session is an open conversation with one device on one channel.
// Sessions are single-use: open, interrogate, close.
type Session interface {
	// CheckConnectivity verifies the device answers at the protocol level.
	CheckConnectivity(ctx context.Context) error

	// ReadSerialNumber retrieves the device's raw serial number.
	// The caller normalises it before reconciliation.
	ReadSerialNumber(ctx context.Context) (string, error)

	// Close releases the underlying transport.
	Close() error
}

// Adapter knows how to talk one device family's identification protocol.
// Implementations are stateless and safe for concurrent use; all per-probe
// state lives in the Session.
type Adapter interface {
	// Family returns the device family this adapter identifies.
	Family() device.Family

	// Open establishes a session on the given channel. The adapter config
	// carries family-specific parameters (baud rate, unit IDs) persisted
	// in the device record; an empty config means family defaults.
	Open(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (Session, error)

	// EffectiveConfig reports the connection parameters a probe on the
	// given channel uses once family defaults and the record's overrides
	// are applied. A successful identification persists the result on the
	// device record.
	EffectiveConfig(ch channel.Descriptor, cfg device.AdapterConfig) device.AdapterConfig
}

// Identify runs the full identification sequence against one channel under a
// single deadline: open, connectivity check, serial read. On success it also
// returns the connection parameters the probe actually used, for persistence
// on the device record. A blown deadline at any step reports as ErrConnection
// so the orchestrator treats silent and absent devices the same way.
func Identify(ctx context.Context, a Adapter, ch channel.Descriptor, cfg device.AdapterConfig, timeout time.Duration) (string, device.AdapterConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := a.Open(ctx, ch, cfg)
	if err != nil {
		return "", nil, wrapTimeout(ctx, err)
	}
	defer sess.Close()

	if err := sess.CheckConnectivity(ctx); err != nil {
		return "", nil, wrapTimeout(ctx, err)
	}

	serial, err := sess.ReadSerialNumber(ctx)
	if err != nil {
		return "", nil, wrapTimeout(ctx, err)
	}

	if strings.TrimSpace(serial) == "" {
		return "", nil, fmt.Errorf("%w: empty serial number", ErrIdentification)
	}

	return serial, a.EffectiveConfig(ch, cfg), nil
}

// wrapTimeout folds a deadline expiry into ErrConnection; other errors pass
// through unchanged.
func wrapTimeout(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ErrConnection, ctxErr)
	}
	return err
}

// doIO runs one blocking transport exchange while honouring the context.
// On cancellation the transport is closed to unblock the exchange and
// ErrConnection is returned.
func doIO(ctx context.Context, transport io.Closer, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		transport.Close()
		<-done
		return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
	}
}
