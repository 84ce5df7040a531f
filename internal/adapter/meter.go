package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
)

// Meter identification follows the IEC 62056-21 mode A sign-on: the probe
// sends "/?!\r\n" and a meter answers with an identification line of the
// form "/XXXz<ident>\r\n", where XXX is the three-letter manufacturer code,
// z the baud character and <ident> the device identification containing the
// serial number.
const (
	meterSignOn      = "/?!\r\n"
	meterDefaultBaud = 9600
	meterIdentPrefix = 5 // '/' + manufacturer(3) + baud char
	maxIdentLine     = 128
)

// MeterAdapter identifies electricity meters.
type MeterAdapter struct {
	dialer Dialer
}

// NewMeterAdapter creates the meter adapter. A nil dialer selects the
// production serial/TCP transport.
func NewMeterAdapter(dialer Dialer) *MeterAdapter {
	if dialer == nil {
		dialer = NewTransportDialer(meterDefaultBaud)
	}
	return &MeterAdapter{dialer: dialer}
}

func (a *MeterAdapter) Family() device.Family { return device.FamilyMeter }

func (a *MeterAdapter) EffectiveConfig(ch channel.Descriptor, cfg device.AdapterConfig) device.AdapterConfig {
	return serialParams(ch, cfg, meterDefaultBaud)
}

func (a *MeterAdapter) Open(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (Session, error) {
	transport, err := a.dialer.Dial(ctx, ch, cfg)
	if err != nil {
		return nil, err
	}
	return &meterSession{
		transport: transport,
		reader:    bufio.NewReaderSize(transport, maxIdentLine),
	}, nil
}

type meterSession struct {
	transport io.ReadWriteCloser
	reader    *bufio.Reader
	ident     string // cached identification line from the connectivity check
}

// signOn performs one sign-on exchange and returns the identification line
// without its trailing CRLF.
func (s *meterSession) signOn(ctx context.Context) (string, error) {
	var line string
	err := doIO(ctx, s.transport, func() error {
		if _, err := s.transport.Write([]byte(meterSignOn)); err != nil {
			return fmt.Errorf("%w: writing sign-on: %v", ErrConnection, err)
		}
		raw, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: reading identification: %v", ErrConnection, err)
		}
		line = strings.TrimRight(raw, "\r\n")
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(line) < meterIdentPrefix || line[0] != '/' {
		return "", fmt.Errorf("%w: malformed identification %q", ErrProtocol, line)
	}
	return line, nil
}

func (s *meterSession) CheckConnectivity(ctx context.Context) error {
	ident, err := s.signOn(ctx)
	if err != nil {
		return err
	}
	s.ident = ident
	return nil
}

func (s *meterSession) ReadSerialNumber(ctx context.Context) (string, error) {
	ident := s.ident
	if ident == "" {
		var err error
		ident, err = s.signOn(ctx)
		if err != nil {
			return "", err
		}
	}

	serial := strings.TrimSpace(ident[meterIdentPrefix:])
	if serial == "" {
		return "", fmt.Errorf("%w: identification carries no serial", ErrIdentification)
	}
	return serial, nil
}

func (s *meterSession) Close() error {
	return s.transport.Close()
}
