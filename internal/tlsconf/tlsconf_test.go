package tlsconf

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/testutil"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"1.0", tls.VersionTLS10},
		{"TLSv1", tls.VersionTLS10},
		{"tls1.1", tls.VersionTLS11},
		{"1.2", tls.VersionTLS12},
		{" 1.3 ", tls.VersionTLS13},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVersion(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseVersion("SSLv3")
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestParseCiphers(t *testing.T) {
	all, err := ParseCiphers(nil)
	require.NoError(t, err)
	assert.Contains(t, all, tls.TLS_RSA_WITH_AES_128_CBC_SHA)
	assert.Contains(t, all, tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)

	ids, err := ParseCiphers([]string{"tls_rsa_with_aes_128_cbc_sha", " ", "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA"})
	require.NoError(t, err)
	assert.Equal(t, []uint16{tls.TLS_RSA_WITH_AES_128_CBC_SHA, tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA}, ids)

	_, err = ParseCiphers([]string{"TLS_NOPE"})
	assert.ErrorIs(t, err, ErrUnknownCipher)
}

func TestServerConfigMissingCertificate(t *testing.T) {
	_, err := ServerConfig(Options{CertFile: filepath.Join(t.TempDir(), "server.pem"), MinVersion: "1.0"})
	assert.ErrorIs(t, err, ErrMissingCertificate)
}

func TestServerConfigCombinedPEM(t *testing.T) {
	certPEM, keyPEM := testutil.SelfSignedPEM(t, "api.proweatherlive.net")
	path := filepath.Join(t.TempDir(), "server.pem")
	require.NoError(t, os.WriteFile(path, append(certPEM, keyPEM...), 0o600))

	cfg, err := ServerConfig(Options{CertFile: path, MinVersion: "1.0"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS10), cfg.MinVersion)
	assert.Contains(t, cfg.CipherSuites, tls.TLS_RSA_WITH_AES_128_CBC_SHA)
}

func TestServerConfigAcceptsLegacyClient(t *testing.T) {
	certPEM, keyPEM := testutil.SelfSignedPEM(t, "api.proweatherlive.net")
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	cfg, err := ServerConfig(Options{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.0"})
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_ = c.(*tls.Conn).Handshake()
		c.Close()
	}()

	// A TLS 1.0 client offering only a CBC suite with RSA key exchange.
	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS10,
		CipherSuites:       []uint16{tls.TLS_RSA_WITH_AES_128_CBC_SHA},
	})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, uint16(tls.VersionTLS10), conn.ConnectionState().Version)
}
