package model

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
)

// TrustEntry is the credential last accepted for one server.
type TrustEntry struct {
	Fingerprint string    `toml:"fingerprint"`
	Accepted    time.Time `toml:"accepted"`
}

type trustFile struct {
	Servers map[string]TrustEntry `toml:"servers"`
}

// TrustStore remembers which server certificates the user accepted even
// though they failed standard verification. Entries are keyed by host:port
// and hold the SHA-256 fingerprint of the leaf certificate. It is safe for
// concurrent use.
type TrustStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]TrustEntry
}

// NewTrustStore creates a store that lives in memory only.
func NewTrustStore() *TrustStore {
	return &TrustStore{entries: make(map[string]TrustEntry)}
}

// LoadTrustStore reads path, a TOML file with one [servers."host:port"]
// table per accepted server. A missing file yields an empty store that is
// created on the first Accept.
func LoadTrustStore(path string) (*TrustStore, error) {
	s := NewTrustStore()
	s.path = path
	var f trustFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("trust store %s: %w", path, err)
	}
	for target, e := range f.Servers {
		s.entries[target] = e
	}
	return s, nil
}

// Lookup returns the entry for target.
func (s *TrustStore) Lookup(target string) (TrustEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[target]
	return e, ok
}

// Trusted reports whether fingerprint is the one accepted for target.
func (s *TrustStore) Trusted(target, fingerprint string) bool {
	e, ok := s.Lookup(target)
	return ok && e.Fingerprint == fingerprint
}

// Accept records fingerprint for target, replacing any earlier decision,
// and persists the store when it has a file.
func (s *TrustStore) Accept(target, fingerprint string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[target] = TrustEntry{Fingerprint: fingerprint, Accepted: now.UTC()}
	return s.save()
}

// Forget drops the decision for target.
func (s *TrustStore) Forget(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, target)
	return s.save()
}

// save writes the file atomically. Callers hold mu.
func (s *TrustStore) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("trust store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".trust-*")
	if err != nil {
		return fmt.Errorf("trust store: %w", err)
	}
	defer os.Remove(tmp.Name())

	f := trustFile{Servers: s.entries}
	if err := toml.NewEncoder(tmp).Encode(f); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("trust store: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("trust store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("trust store: %w", err)
	}
	return nil
}

// Fingerprint returns the hex SHA-256 digest of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// TrustRequest asks the user whether to accept a server certificate that
// failed verification. Answer it with Model.SetTrustDecision.
type TrustRequest struct {
	Target      string
	Fingerprint string
	// Previous is the fingerprint accepted earlier, empty if none.
	Previous string
	Subject  string
	Issuer   string
	NotAfter time.Time
	// Reason is why standard verification rejected the certificate.
	Reason string
}

// verifyPeer implements transport.VerifyFunc. It runs on the dialing
// goroutine and blocks until the user decided when it has to ask.
func (m *Model) verifyPeer(ctx context.Context, target string, cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("%w: %s presented no certificate", imap.ErrUntrusted, target)
	}
	leaf := cs.PeerCertificates[0]
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Roots:         m.opts.RootCAs,
		Intermediates: x509.NewCertPool(),
	}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, verr := leaf.Verify(opts)
	if verr == nil {
		return nil
	}

	fp := Fingerprint(leaf)
	if m.trust.Trusted(target, fp) {
		m.log.Debug("accepted remembered certificate", zap.String("target", target))
		return nil
	}

	req := TrustRequest{
		Target:      target,
		Fingerprint: fp,
		Subject:     leaf.Subject.String(),
		Issuer:      leaf.Issuer.String(),
		NotAfter:    leaf.NotAfter,
		Reason:      verr.Error(),
	}
	if prev, ok := m.trust.Lookup(target); ok {
		req.Previous = prev.Fingerprint
	}

	answer := make(chan bool, 1)
	if !m.post(func() { m.askTrust(req, answer) }) {
		return imap.ErrClosed
	}
	select {
	case ok := <-answer:
		if !ok {
			return fmt.Errorf("%w: %s", imap.ErrUntrusted, target)
		}
		if err := m.trust.Accept(target, fp, m.now()); err != nil {
			m.log.Warn("trust decision not persisted", zap.String("target", target), zap.Error(err))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// askTrust queues answer for target and notifies the observer once per
// distinct outstanding request.
func (m *Model) askTrust(req TrustRequest, answer chan bool) {
	if m.closing {
		answer <- false
		return
	}
	waiting := m.trustWaiters[req.Target]
	m.trustWaiters[req.Target] = append(waiting, answer)
	if len(waiting) == 0 {
		m.obs.trustRequest(req)
	}
}

// SetTrustDecision answers every pending TrustRequest for target.
func (m *Model) SetTrustDecision(target string, accept bool) {
	m.post(func() {
		for _, ch := range m.trustWaiters[target] {
			ch <- accept
		}
		delete(m.trustWaiters, target)
	})
}
