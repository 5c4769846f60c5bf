// Package tlsconf builds the listener TLS configuration.
//
// The station's TLS stack predates TLS 1.2 and modern AEAD suites, so the
// defaults accept TLS 1.0 and every cipher suite Go implements, including
// the ones Go marks insecure. Both are configurable.
package tlsconf

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrUnknownVersion     = errors.New("unknown TLS version")
	ErrUnknownCipher      = errors.New("unknown cipher suite")
	ErrMissingCertificate = errors.New("certificate file not found")
)

// Options selects the certificate and protocol parameters.
type Options struct {
	CertFile   string
	KeyFile    string // defaults to CertFile for combined PEM bundles
	MinVersion string // "1.0", "1.1", "1.2" or "1.3"
	Ciphers    []string
}

// ParseVersion maps "1.0".."1.3" (optionally prefixed "TLS") to its
// crypto/tls constant.
func ParseVersion(v string) (uint16, error) {
	s := strings.TrimSpace(strings.ToUpper(v))
	s = strings.TrimPrefix(s, "TLS")
	s = strings.TrimPrefix(s, "V")
	switch strings.TrimSpace(s) {
	case "1", "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVersion, v)
}

// AllCipherSuites returns the ids of every suite Go implements, secure
// ones first.
func AllCipherSuites() []uint16 {
	var ids []uint16
	for _, cs := range tls.CipherSuites() {
		ids = append(ids, cs.ID)
	}
	for _, cs := range tls.InsecureCipherSuites() {
		ids = append(ids, cs.ID)
	}
	return ids
}

// ParseCiphers maps Go cipher suite names to ids. An empty list selects
// AllCipherSuites.
func ParseCiphers(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return AllCipherSuites(), nil
	}
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		byName[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		id, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCipher, n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ServerConfig loads the key pair once and returns the listener config.
func ServerConfig(opts Options) (*tls.Config, error) {
	keyFile := opts.KeyFile
	if keyFile == "" {
		keyFile = opts.CertFile
	}
	for _, f := range []string{opts.CertFile, keyFile} {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingCertificate, f)
		}
	}
	cert, err := tls.LoadX509KeyPair(opts.CertFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate %s: %w", opts.CertFile, err)
	}

	minVersion, err := ParseVersion(opts.MinVersion)
	if err != nil {
		return nil, err
	}
	ciphers, err := ParseCiphers(opts.Ciphers)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: ciphers,
		// HTTP/1.1 only; the station never negotiates h2.
		NextProtos: []string{"http/1.1"},
	}, nil
}
