package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
)

// Battery packs expose a register map over a small binary protocol, usually
// through a Modbus-TCP style gateway. A request is:
//
//	magic(1)=0xB5 | function(1) | register(2,BE) | count(2,BE)
//
// and the response:
//
//	magic(1)=0xB5 | function(1) | byteCount(1) | data(byteCount)
//
// Function 0x03 reads holding registers. The serial number lives at register
// 0x0100 as ASCII, eight registers (16 bytes), space padded. Register 0x0000
// is the heartbeat register used for connectivity checks.
const (
	batteryMagic        = 0xB5
	batteryFnRead       = 0x03
	batteryRegHeartbeat = 0x0000
	batteryRegSerial    = 0x0100
	batterySerialWords  = 8
	batteryDefaultBaud  = 115200
)

// BatteryAdapter identifies battery packs.
type BatteryAdapter struct {
	dialer Dialer
}

// NewBatteryAdapter creates the battery adapter. A nil dialer selects the
// production transport.
func NewBatteryAdapter(dialer Dialer) *BatteryAdapter {
	if dialer == nil {
		dialer = NewTransportDialer(batteryDefaultBaud)
	}
	return &BatteryAdapter{dialer: dialer}
}

func (a *BatteryAdapter) Family() device.Family { return device.FamilyBattery }

func (a *BatteryAdapter) EffectiveConfig(ch channel.Descriptor, cfg device.AdapterConfig) device.AdapterConfig {
	return serialParams(ch, cfg, batteryDefaultBaud)
}

func (a *BatteryAdapter) Open(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (Session, error) {
	transport, err := a.dialer.Dial(ctx, ch, cfg)
	if err != nil {
		return nil, err
	}
	return &batterySession{transport: transport}, nil
}

type batterySession struct {
	transport io.ReadWriteCloser
}

// readRegisters performs one read exchange and returns the raw data bytes.
func (s *batterySession) readRegisters(ctx context.Context, register, count uint16) ([]byte, error) {
	req := make([]byte, 6)
	req[0] = batteryMagic
	req[1] = batteryFnRead
	binary.BigEndian.PutUint16(req[2:4], register)
	binary.BigEndian.PutUint16(req[4:6], count)

	var data []byte
	err := doIO(ctx, s.transport, func() error {
		if _, err := s.transport.Write(req); err != nil {
			return fmt.Errorf("%w: writing read request: %v", ErrConnection, err)
		}

		header := make([]byte, 3)
		if _, err := io.ReadFull(s.transport, header); err != nil {
			return fmt.Errorf("%w: reading response header: %v", ErrConnection, err)
		}
		if header[0] != batteryMagic || header[1] != batteryFnRead {
			return fmt.Errorf("%w: unexpected response header % x", ErrProtocol, header)
		}

		byteCount := int(header[2])
		if byteCount != int(count)*2 {
			return fmt.Errorf("%w: expected %d data bytes, got %d", ErrProtocol, count*2, byteCount)
		}

		data = make([]byte, byteCount)
		if _, err := io.ReadFull(s.transport, data); err != nil {
			return fmt.Errorf("%w: reading response data: %v", ErrConnection, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *batterySession) CheckConnectivity(ctx context.Context) error {
	_, err := s.readRegisters(ctx, batteryRegHeartbeat, 1)
	return err
}

func (s *batterySession) ReadSerialNumber(ctx context.Context) (string, error) {
	data, err := s.readRegisters(ctx, batteryRegSerial, batterySerialWords)
	if err != nil {
		return "", err
	}

	serial := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	if serial == "" {
		return "", fmt.Errorf("%w: serial registers are blank", ErrIdentification)
	}
	return serial, nil
}

func (s *batterySession) Close() error {
	return s.transport.Close()
}
