package tls

import (
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rolewatch/internal/config"
)

func TestSetupTLS_Disabled(t *testing.T) {
	c, err := SetupTLS(config.ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupTLS_NoCertificate(t *testing.T) {
	_, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}})
	require.ErrorIs(t, err, ErrNoCertificate)
}

func TestSetupTLS_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	srv := config.ServerConfig{
		TLSMinVersion: "1.2",
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
			AutoGen:      &config.AutoGenTLS{CommonName: "rolewatch.local", ValidDays: 1},
		},
	}
	c, err := SetupTLS(srv)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)
	assert.True(t, certificatesExist(filepath.Join(dir, tlsCrt), filepath.Join(dir, tlsKey)))

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	// second setup reuses the existing pair
	_, err = SetupTLS(srv)
	require.NoError(t, err)
}

func TestSetupTLS_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(dir, "a.crt"),
		KeyFile:  filepath.Join(dir, "a.key"),
	}})
	require.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("TLS1.2")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, ok = parseTLSVersion("ssl3")
	assert.False(t, ok)
}
