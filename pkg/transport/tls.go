package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ALPNProtocol is the application protocol negotiated on every channel.
const ALPNProtocol = "d2d/1"

// certValidity is the lifetime of the self-signed channel certificate.
const certValidity = 10 * 365 * 24 * time.Hour

// TLS errors.
var (
	ErrNoPeerCertificate = errors.New("peer presented no certificate")
	ErrKeyMismatch       = errors.New("peer key does not match the expected identity")
	ErrUnsupportedKey    = errors.New("peer certificate key is not ed25519")
)

// Credentials is the local device's TLS identity: a self-signed certificate
// over its ed25519 identity key. Peers authenticate by key, not by CA chain.
type Credentials struct {
	Certificate tls.Certificate
	PublicKey   ed25519.PublicKey
}

// NewCredentials issues a self-signed certificate for the given identity key.
func NewCredentials(id uuid.UUID, key ed25519.PrivateKey) (*Credentials, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity key length %d", len(key))
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: id.String()},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	pub := key.Public().(ed25519.PublicKey)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &Credentials{
		Certificate: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		PublicKey:   pub,
	}, nil
}

// baseTLSConfig holds the settings shared by both sides: TLS 1.3 only,
// ALPN, modern curves and no session resumption.
func baseTLSConfig(creds *Credentials) *tls.Config {
	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		Certificates:           []tls.Certificate{creds.Certificate},
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
	}
}

// NewClientTLSConfig returns the dialing configuration. Chain verification is
// replaced by key pinning: when expectedKey is set, the server certificate
// must carry exactly that key.
func NewClientTLSConfig(creds *Credentials, expectedKey []byte) *tls.Config {
	cfg := baseTLSConfig(creds)
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(raw [][]byte, _ [][]*x509.Certificate) error {
		return verifyPinned(raw, expectedKey)
	}
	return cfg
}

// NewServerTLSConfig returns the listening configuration. Any client key is
// accepted at the TLS layer; authorization happens after the Hello.
func NewServerTLSConfig(creds *Credentials) *tls.Config {
	cfg := baseTLSConfig(creds)
	cfg.ClientAuth = tls.RequireAnyClientCert
	cfg.VerifyPeerCertificate = func(raw [][]byte, _ [][]*x509.Certificate) error {
		return verifyPinned(raw, nil)
	}
	return cfg
}

func verifyPinned(raw [][]byte, expectedKey []byte) error {
	if len(raw) == 0 {
		return ErrNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(raw[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return ErrUnsupportedKey
	}
	// Self-signed leaf without the CA bit: check its signature directly.
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("peer certificate signature: %w", err)
	}
	if expectedKey != nil && !bytes.Equal(pub, expectedKey) {
		return ErrKeyMismatch
	}
	return nil
}

// PeerPublicKey returns the ed25519 key of the verified peer certificate.
func PeerPublicKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

// VerifyConnection checks the negotiated parameters of an established channel.
func VerifyConnection(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not 1.3", state.Version)
	}
	if state.NegotiatedProtocol != ALPNProtocol {
		return fmt.Errorf("ALPN %q, expected %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}
