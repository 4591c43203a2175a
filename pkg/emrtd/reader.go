// Package emrtd orchestrates a complete eMRTD reading session: access
// establishment (PACE when the document advertises it, BAC otherwise),
// secure messaging, data group retrieval and passive authentication.
package emrtd

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/pion/logging"

	"github.com/nfcdoc/emrtd/pkg/bac"
	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/lds"
	"github.com/nfcdoc/emrtd/pkg/mrz"
	"github.com/nfcdoc/emrtd/pkg/pace"
	"github.com/nfcdoc/emrtd/pkg/securemessaging"
	"github.com/nfcdoc/emrtd/pkg/sod"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

var (
	// ErrInvalidState indicates an operation issued outside its session
	// phase, e.g. reading before Connect.
	ErrInvalidState = errors.New("emrtd: invalid session state")

	// ErrNoCredential indicates a Config with neither an MRZ key nor a
	// CAN.
	ErrNoCredential = errors.New("emrtd: no access credential configured")
)

// State is the session phase. Transitions only move forward; a failed
// establishment or a broken channel terminates the session, and a new
// Reader must be created to retry with fresh ephemeral material.
type State int

const (
	StateIdle State = iota
	StateEstablishing
	StateSecure
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEstablishing:
		return "establishing"
	case StateSecure:
		return "secure"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AccessMethod records how the session was established.
type AccessMethod int

const (
	AccessNone AccessMethod = iota
	AccessBAC
	AccessPACE
)

func (m AccessMethod) String() string {
	switch m {
	case AccessBAC:
		return "BAC"
	case AccessPACE:
		return "PACE"
	default:
		return "none"
	}
}

// Config carries the credentials and policy for one session.
type Config struct {
	// MRZ is the document key material. Used as the BAC access key and
	// as the PACE password when CAN is empty.
	MRZ *mrz.Key

	// CAN is the card access number printed on the data page. When set
	// it is preferred over the MRZ as the PACE password.
	CAN string

	// ForceBAC skips PACE even when EF.CardAccess advertises it.
	ForceBAC bool

	// MinPACESuite rejects PACE protocols below this cipher suite.
	// The zero value admits every suite including 3DES.
	MinPACESuite crypto.Suite

	// TrustAnchors are the CSCA certificates for passive authentication.
	// Nil leaves sound signatures at sod.SignatureUnverified.
	TrustAnchors *x509.CertPool

	// Rand is the randomness source for challenges and ephemeral keys.
	// Nil means crypto/rand.
	Rand io.Reader

	// LoggerFactory is the factory for creating loggers. Nil disables
	// logging.
	LoggerFactory logging.LoggerFactory
}

// Reader drives one session against one document. It is not safe for
// concurrent use: the protocol is strictly sequential, so all calls must
// come from a single goroutine. Independent documents get independent
// Readers on independent transports.
type Reader struct {
	t      transport.Transport
	config Config
	log    logging.LeveledLogger

	state   State
	method  AccessMethod
	channel *securemessaging.Channel
	files   *lds.Reader
}

// NewReader returns an idle Reader over t.
func NewReader(t transport.Transport, config Config) *Reader {
	log := logging.NewDefaultLoggerFactory().NewLogger("emrtd")
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("emrtd")
	}
	return &Reader{t: t, config: config, log: log, state: StateIdle}
}

// State returns the current session phase.
func (r *Reader) State() State { return r.state }

// AccessMethod returns how the session was established.
func (r *Reader) AccessMethod() AccessMethod { return r.method }

// Connect establishes the secure session: it probes EF.CardAccess, runs
// PACE when advertised (and not disabled), falls back to BAC, and
// selects the eMRTD application. On any failure the session terminates;
// Connect must not be retried on the same Reader.
func (r *Reader) Connect() error {
	if r.state != StateIdle {
		return fmt.Errorf("%w: connect in state %v", ErrInvalidState, r.state)
	}
	if r.config.MRZ == nil && r.config.CAN == "" {
		return ErrNoCredential
	}
	r.state = StateEstablishing

	if err := r.establish(); err != nil {
		r.terminate()
		return err
	}
	r.state = StateSecure
	r.files = lds.NewReader(r.channel, lds.Config{LoggerFactory: r.config.LoggerFactory})

	// BAC selected the application in the clear before the handshake;
	// PACE documents get it through the fresh channel.
	if r.method == AccessPACE {
		if err := r.files.SelectApplication(lds.AID); err != nil {
			r.terminate()
			return err
		}
	}
	r.log.Infof("session established via %v", r.method)
	return nil
}

func (r *Reader) establish() error {
	infos := r.probeCardAccess()
	if len(infos) > 0 && !r.config.ForceBAC {
		info, err := pace.Select(infos, r.config.MinPACESuite)
		if err != nil {
			return err
		}
		return r.establishPACE(info)
	}
	return r.establishBAC()
}

// probeCardAccess reads EF.CardAccess in the clear. Absence or garbage
// means no PACE; pre-PACE documents do not carry the file.
func (r *Reader) probeCardAccess() []pace.Info {
	plain := lds.NewReader(lds.Plain{Transport: r.t}, lds.Config{LoggerFactory: r.config.LoggerFactory})
	data, err := plain.ReadFile(lds.EFCardAccess)
	if err != nil {
		r.log.Debugf("no EF.CardAccess: %v", err)
		return nil
	}
	infos, err := pace.ParseCardAccess(data)
	if err != nil {
		r.log.Warnf("EF.CardAccess does not parse: %v", err)
		return nil
	}
	return infos
}

func (r *Reader) establishPACE(info *pace.Info) error {
	password, passwordType, err := r.pacePassword()
	if err != nil {
		return err
	}
	result, err := pace.Establish(r.t, info, pace.Config{
		Password:      password,
		PasswordType:  passwordType,
		Rand:          r.config.Rand,
		LoggerFactory: r.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	r.method = AccessPACE
	return r.openChannel(result.Keys, result.SSC)
}

func (r *Reader) pacePassword() ([]byte, byte, error) {
	if r.config.CAN != "" {
		return []byte(r.config.CAN), pace.PasswordCAN, nil
	}
	if r.config.MRZ != nil {
		return r.config.MRZ.PasswordHash(), pace.PasswordMRZ, nil
	}
	return nil, 0, ErrNoCredential
}

func (r *Reader) establishBAC() error {
	if r.config.MRZ == nil {
		return fmt.Errorf("%w: BAC requires the MRZ key", ErrNoCredential)
	}
	key, err := bac.DeriveAccessKey(r.config.MRZ)
	if err != nil {
		return err
	}

	// BAC documents expect the application selected before the
	// challenge exchange.
	plain := lds.NewReader(lds.Plain{Transport: r.t}, lds.Config{LoggerFactory: r.config.LoggerFactory})
	if err := plain.SelectApplication(lds.AID); err != nil {
		return err
	}

	result, err := bac.Establish(r.t, key, bac.Config{
		Rand:          r.config.Rand,
		LoggerFactory: r.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	r.method = AccessBAC
	return r.openChannel(result.Keys, result.SSC)
}

func (r *Reader) openChannel(keys securemessaging.SessionKeys, ssc securemessaging.SSC) error {
	channel, err := securemessaging.NewChannel(r.t, keys, ssc)
	if err != nil {
		return err
	}
	r.channel = channel
	return nil
}

// ReadCOM retrieves and decodes EF.COM.
func (r *Reader) ReadCOM() (*lds.COM, error) {
	data, err := r.readFile(lds.EFCOM)
	if err != nil {
		return nil, err
	}
	return lds.ParseCOM(data)
}

// ReadDataGroup retrieves the raw contents of data group n.
func (r *Reader) ReadDataGroup(n int) ([]byte, error) {
	f, err := lds.DG(n)
	if err != nil {
		return nil, err
	}
	return r.readFile(f)
}

// ReadSOD retrieves and parses the document security object.
func (r *Reader) ReadSOD() (*sod.SecurityObject, error) {
	data, err := r.readFile(lds.EFSOD)
	if err != nil {
		return nil, err
	}
	return sod.Parse(data)
}

func (r *Reader) readFile(f lds.File) ([]byte, error) {
	if r.state != StateSecure {
		return nil, fmt.Errorf("%w: read %s in state %v", ErrInvalidState, f, r.state)
	}
	data, err := r.files.ReadFile(f)
	if err != nil && (errors.Is(err, securemessaging.ErrIntegrity) || errors.Is(err, securemessaging.ErrChannelBroken)) {
		// The counter cannot be resynchronized; the channel poisoned
		// itself, mirror it in the session state.
		r.terminate()
	}
	return data, err
}

// Document is everything one full read produces.
type Document struct {
	COM        *lds.COM
	DataGroups map[int][]byte
	SOD        *sod.SecurityObject
	Report     *sod.Report
}

// ReadDocument reads EF.COM, every data group the security object
// covers, EF.SOD, and runs passive authentication. Data groups that fail
// to read are reported Missing rather than aborting the rest.
func (r *Reader) ReadDocument() (*Document, error) {
	com, err := r.ReadCOM()
	if err != nil {
		return nil, err
	}
	so, err := r.ReadSOD()
	if err != nil {
		return nil, err
	}

	doc := &Document{COM: com, DataGroups: make(map[int][]byte), SOD: so}
	for _, dg := range so.DataGroups() {
		data, err := r.ReadDataGroup(dg)
		if err != nil {
			if r.state != StateSecure {
				return nil, err
			}
			r.log.Warnf("DG%d not readable: %v", dg, err)
			continue
		}
		doc.DataGroups[dg] = data
	}

	doc.Report = so.Verify(doc.DataGroups, sod.VerifyOptions{Anchors: r.config.TrustAnchors})
	return doc, nil
}

// Close terminates the session and zeroizes the session keys. The
// transport stays open and is the caller's to close.
func (r *Reader) Close() {
	r.terminate()
}

func (r *Reader) terminate() {
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	r.state = StateTerminated
}
