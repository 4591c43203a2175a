// Package lds reads elementary files of the ICAO 9303-10 logical data
// structure: the data groups, EF.COM and EF.SOD of the LDS1 application,
// and EF.CardAccess at master file level.
package lds

import (
	"errors"
	"fmt"

	"github.com/pion/logging"

	"github.com/nfcdoc/emrtd/pkg/iso7816"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

var (
	// ErrFileNotFound indicates the chip has no such elementary file.
	ErrFileNotFound = errors.New("lds: file not found")

	// ErrFileTooLarge indicates a file beyond the 15-bit READ BINARY
	// offset range.
	ErrFileTooLarge = errors.New("lds: file exceeds addressable size")

	// ErrMalformed indicates file contents that do not parse.
	ErrMalformed = errors.New("lds: malformed file contents")
)

// AID is the LDS1 eMRTD application identifier.
var AID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

// File identifies one elementary file by its file identifier and short
// EF identifier.
type File struct {
	Name    string
	ID      uint16
	ShortID byte
}

func (f File) String() string { return f.Name }

// Elementary files of ICAO 9303-10 figure 3.
var (
	// EFCardAccess lives at master file level and is readable without
	// authentication; its presence advertises PACE.
	EFCardAccess = File{"EF.CardAccess", 0x011C, 0x1C}

	// EFCardSecurity also lives at master file level.
	EFCardSecurity = File{"EF.CardSecurity", 0x011D, 0x1D}

	// EFCOM lists the data groups present in the application.
	EFCOM = File{"EF.COM", 0x011E, 0x1E}

	// EFSOD is the document security object.
	EFSOD = File{"EF.SOD", 0x011D, 0x1D}
)

// DG returns the elementary file of data group n (1-16).
func DG(n int) (File, error) {
	if n < 1 || n > 16 {
		return File{}, fmt.Errorf("%w: DG%d", ErrFileNotFound, n)
	}
	return File{fmt.Sprintf("DG%d", n), 0x0100 | uint16(n), byte(n)}, nil
}

// Exchanger performs one command/response exchange. A secure messaging
// channel satisfies it for protected reads; Plain satisfies it for the
// clear reads before session establishment.
type Exchanger interface {
	Send(cmd *iso7816.Command) (*iso7816.Response, error)
}

// Plain sends commands in the clear over a transport. EF.CardAccess is
// read this way before any session exists.
type Plain struct {
	Transport transport.Transport
}

func (p Plain) Send(cmd *iso7816.Command) (*iso7816.Response, error) {
	raw, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	respRaw, err := p.Transport.SendReceive(raw)
	if err != nil {
		return nil, err
	}
	return iso7816.ParseResponse(respRaw)
}

// maxReadLength keeps each READ BINARY chunk within short-length APDUs
// with room for the secure messaging overhead.
const maxReadLength = 0xE0

// maxOffset is the 15-bit READ BINARY offset limit.
const maxOffset = 0x7FFF

// Reader selects and reads elementary files over an exchanger.
type Reader struct {
	ch  Exchanger
	log logging.LeveledLogger
}

// Config configures a Reader.
type Config struct {
	// LoggerFactory is the factory for creating loggers. Nil disables
	// logging.
	LoggerFactory logging.LoggerFactory
}

// NewReader returns a Reader issuing its commands through ch.
func NewReader(ch Exchanger, config Config) *Reader {
	log := logging.NewDefaultLoggerFactory().NewLogger("lds")
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("lds")
	}
	return &Reader{ch: ch, log: log}
}

// SelectApplication selects a dedicated file by application identifier.
func (r *Reader) SelectApplication(aid []byte) error {
	cmd := iso7816.Command{
		CLA: 0x00, INS: iso7816.InsSelect, P1: 0x04, P2: 0x0C,
		Data: aid, Le: iso7816.NoLe,
	}
	_, err := r.exchange(&cmd)
	return err
}

// SelectMasterFile returns to the master file, where EF.CardAccess and
// EF.CardSecurity live.
func (r *Reader) SelectMasterFile() error {
	cmd := iso7816.Command{
		CLA: 0x00, INS: iso7816.InsSelect, P1: 0x00, P2: 0x0C,
		Data: []byte{0x3F, 0x00}, Le: iso7816.NoLe,
	}
	_, err := r.exchange(&cmd)
	return err
}

// ReadFile selects f by file identifier and reads its whole contents.
// The first chunk carries the ASN.1 header, which sizes the remainder of
// the read loop.
func (r *Reader) ReadFile(f File) ([]byte, error) {
	if err := r.selectEF(f); err != nil {
		return nil, err
	}

	data, err := r.readChunk(0, maxReadLength)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrMalformed, f)
	}

	total, err := iso7816.HeaderSize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f, err)
	}
	if total > maxOffset+maxReadLength {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, f, total)
	}

	for len(data) < total {
		chunk, err := r.readChunk(len(data), min(maxReadLength, total-len(data)))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("%w: %s truncated at %d of %d bytes", ErrMalformed, f, len(data), total)
		}
		data = append(data, chunk...)
	}

	r.log.Debugf("read %s, %d bytes", f, total)
	return data[:total], nil
}

func (r *Reader) selectEF(f File) error {
	cmd := iso7816.Command{
		CLA: 0x00, INS: iso7816.InsSelect, P1: 0x02, P2: 0x0C,
		Data: []byte{byte(f.ID >> 8), byte(f.ID)}, Le: iso7816.NoLe,
	}
	if _, err := r.exchange(&cmd); err != nil {
		var swErr *iso7816.StatusError
		if errors.As(err, &swErr) && swErr.SW == iso7816.SWFileNotFound {
			return fmt.Errorf("%w: %s", ErrFileNotFound, f)
		}
		return err
	}
	return nil
}

func (r *Reader) readChunk(offset, le int) ([]byte, error) {
	if offset > maxOffset {
		return nil, ErrFileTooLarge
	}
	cmd := iso7816.Command{
		CLA: 0x00, INS: iso7816.InsReadBinary,
		P1: byte(offset >> 8), P2: byte(offset), Le: le,
	}
	resp, err := r.exchange(&cmd)
	if err != nil {
		// Reading up to the requested length past the end answers 6282
		// with the remaining bytes.
		var swErr *iso7816.StatusError
		if errors.As(err, &swErr) && swErr.SW == iso7816.SWEndOfFile {
			return nil, nil
		}
		return nil, err
	}
	return resp.Data, nil
}

func (r *Reader) exchange(cmd *iso7816.Command) (*iso7816.Response, error) {
	resp, err := r.ch.Send(cmd)
	if err != nil {
		return nil, err
	}
	if !iso7816.IsSuccess(resp.SW) {
		return nil, &iso7816.StatusError{INS: cmd.INS, SW: resp.SW}
	}
	return resp, nil
}
