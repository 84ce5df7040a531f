package adapter

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
)

// Both inverter generations share one frame format and differ only in their
// command set:
//
//	0xAA 0x55 | command(1) | length(1) | payload(length) | checksum(1)
//
// where the checksum is the byte sum of command, length and payload. The G3
// generation answers a ping on 0x10 and reports its serial on 0x11; the X1
// generation uses 0x20 and 0x21. An inverter echoes the request command with
// the high bit set in its response.
const (
	inverterHdr0 = 0xAA
	inverterHdr1 = 0x55

	inverterG3CmdPing   = 0x10
	inverterG3CmdSerial = 0x11
	inverterX1CmdPing   = 0x20
	inverterX1CmdSerial = 0x21

	inverterRespFlag    = 0x80
	inverterDefaultBaud = 19200
	maxInverterPayload  = 64
)

// inverterAdapter covers both inverter generations; the command set is the
// only per-generation state.
type inverterAdapter struct {
	family    device.Family
	cmdPing   byte
	cmdSerial byte
	dialer    Dialer
}

// NewInverterG3Adapter creates the adapter for third-generation inverters.
// A nil dialer selects the production transport.
func NewInverterG3Adapter(dialer Dialer) Adapter {
	if dialer == nil {
		dialer = NewTransportDialer(inverterDefaultBaud)
	}
	return &inverterAdapter{
		family:    device.FamilyInverterG3,
		cmdPing:   inverterG3CmdPing,
		cmdSerial: inverterG3CmdSerial,
		dialer:    dialer,
	}
}

// NewInverterX1Adapter creates the adapter for X1-series inverters.
// A nil dialer selects the production transport.
func NewInverterX1Adapter(dialer Dialer) Adapter {
	if dialer == nil {
		dialer = NewTransportDialer(inverterDefaultBaud)
	}
	return &inverterAdapter{
		family:    device.FamilyInverterX1,
		cmdPing:   inverterX1CmdPing,
		cmdSerial: inverterX1CmdSerial,
		dialer:    dialer,
	}
}

func (a *inverterAdapter) Family() device.Family { return a.family }

func (a *inverterAdapter) EffectiveConfig(ch channel.Descriptor, cfg device.AdapterConfig) device.AdapterConfig {
	return serialParams(ch, cfg, inverterDefaultBaud)
}

func (a *inverterAdapter) Open(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (Session, error) {
	transport, err := a.dialer.Dial(ctx, ch, cfg)
	if err != nil {
		return nil, err
	}
	return &inverterSession{
		transport: transport,
		cmdPing:   a.cmdPing,
		cmdSerial: a.cmdSerial,
	}, nil
}

type inverterSession struct {
	transport io.ReadWriteCloser
	cmdPing   byte
	cmdSerial byte
}

func checksum(cmd, length byte, payload []byte) byte {
	sum := cmd + length
	for _, b := range payload {
		sum += b
	}
	return sum
}

func encodeFrame(cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, 5+len(payload))
	frame = append(frame, inverterHdr0, inverterHdr1, cmd, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, checksum(cmd, byte(len(payload)), payload))
	return frame
}

// exchange sends one command frame and returns the response payload for that
// command.
func (s *inverterSession) exchange(ctx context.Context, cmd byte) ([]byte, error) {
	var payload []byte
	err := doIO(ctx, s.transport, func() error {
		if _, err := s.transport.Write(encodeFrame(cmd, nil)); err != nil {
			return fmt.Errorf("%w: writing frame: %v", ErrConnection, err)
		}

		header := make([]byte, 4)
		if _, err := io.ReadFull(s.transport, header); err != nil {
			return fmt.Errorf("%w: reading frame header: %v", ErrConnection, err)
		}
		if header[0] != inverterHdr0 || header[1] != inverterHdr1 {
			return fmt.Errorf("%w: bad frame header % x", ErrProtocol, header[:2])
		}
		if header[2] != cmd|inverterRespFlag {
			return fmt.Errorf("%w: unexpected response command 0x%02x", ErrProtocol, header[2])
		}
		length := int(header[3])
		if length > maxInverterPayload {
			return fmt.Errorf("%w: payload length %d out of range", ErrProtocol, length)
		}

		rest := make([]byte, length+1)
		if _, err := io.ReadFull(s.transport, rest); err != nil {
			return fmt.Errorf("%w: reading frame payload: %v", ErrConnection, err)
		}

		payload = rest[:length]
		if rest[length] != checksum(header[2], header[3], payload) {
			return fmt.Errorf("%w: checksum mismatch", ErrProtocol)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *inverterSession) CheckConnectivity(ctx context.Context) error {
	_, err := s.exchange(ctx, s.cmdPing)
	return err
}

func (s *inverterSession) ReadSerialNumber(ctx context.Context) (string, error) {
	payload, err := s.exchange(ctx, s.cmdSerial)
	if err != nil {
		return "", err
	}

	serial := strings.TrimSpace(strings.TrimRight(string(payload), "\x00"))
	if serial == "" {
		return "", fmt.Errorf("%w: serial payload is blank", ErrIdentification)
	}
	return serial, nil
}

func (s *inverterSession) Close() error {
	return s.transport.Close()
}
