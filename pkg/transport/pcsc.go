package transport

import (
	"fmt"
	"sync"

	"github.com/ebfe/scard"
	"github.com/pion/logging"
)

// PCSC is a Transport backed by a PC/SC smartcard reader. It owns the
// reader context for the lifetime of one card session.
type PCSC struct {
	ctx    *scard.Context
	card   *scard.Card
	reader string
	log    logging.LeveledLogger

	mu     sync.Mutex
	closed bool
}

// PCSCConfig configures the PC/SC transport.
type PCSCConfig struct {
	// ReaderIndex selects the reader when several are attached (0-based).
	ReaderIndex int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ConnectPCSC establishes a shared connection to the card in the selected
// reader. The card must already be in the field.
func ConnectPCSC(config PCSCConfig) (*PCSC, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("transport: establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("transport: no PC/SC readers found: %v", err)
	}
	if config.ReaderIndex < 0 || config.ReaderIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("transport: reader index %d out of range (0..%d)", config.ReaderIndex, len(readers)-1)
	}

	reader := readers[config.ReaderIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("transport: connect to %q: %w", reader, err)
	}

	p := &PCSC{ctx: ctx, card: card, reader: reader}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-pcsc")
	}
	if p.log != nil {
		p.log.Infof("connected to reader %q", reader)
	}
	return p, nil
}

// Reader returns the name of the connected reader.
func (p *PCSC) Reader() string { return p.reader }

// SendReceive implements Transport.
func (p *PCSC) SendReceive(command []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	if p.log != nil {
		p.log.Tracef("-> %X", command)
	}
	resp, err := p.card.Transmit(command)
	if err != nil {
		return nil, fmt.Errorf("transport: transmit: %w", err)
	}
	if p.log != nil {
		p.log.Tracef("<- %X", resp)
	}
	return resp, nil
}

// Close disconnects the card and releases the PC/SC context.
func (p *PCSC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.card.Disconnect(scard.LeaveCard); err != nil {
		p.ctx.Release()
		return fmt.Errorf("transport: disconnect: %w", err)
	}
	if err := p.ctx.Release(); err != nil {
		return fmt.Errorf("transport: release context: %w", err)
	}
	return nil
}
