package gateway

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettings_Environments(t *testing.T) {
	t.Parallel()

	prod := NewSettings(true)
	assert.Equal(t, "gateway.push.apple.com:2195", prod.Addr())
	assert.Equal(t, "feedback.push.apple.com:2196", prod.FeedbackAddr())

	sandbox := NewSettings(false)
	assert.Equal(t, "gateway.sandbox.push.apple.com:2195", sandbox.Addr())
	assert.Equal(t, "feedback.sandbox.push.apple.com:2196", sandbox.FeedbackAddr())

	assert.Equal(t, 3, sandbox.MaxConnectionAttempts)
	assert.Equal(t, 3*time.Second, sandbox.ReconnectBackoff)
	assert.Equal(t, 1.5, sandbox.ReconnectMultiplier)
	assert.Equal(t, 3*time.Second, sandbox.DeclareSuccessAfter)
	assert.Equal(t, 10*time.Minute, sandbox.FeedbackInterval)
	assert.Equal(t, 10*time.Second, sandbox.ConnectionTimeout)
}

func TestNewDialer_SkipSsl(t *testing.T) {
	t.Parallel()

	s := NewSettings(false)
	assert.NotNil(t, NewDialer(s).Config)
	assert.Equal(t, "gateway.sandbox.push.apple.com", NewDialer(s).Config.ServerName)

	s.SkipSsl = true
	assert.Nil(t, NewDialer(s).Config)
	assert.Equal(t, s.FeedbackAddr(), NewFeedbackDialer(s).Addr())
}

func writeSelfSigned(t *testing.T, cn string) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "push.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadCertificate_PEMAndEnvironmentCheck(t *testing.T) {
	t.Parallel()

	path := writeSelfSigned(t, "Apple Production IOS Push Services: com.example.app")
	cert, err := LoadCertificate(path, "", "")
	require.NoError(t, err)

	assert.True(t, DetectProduction(cert))
	assert.NoError(t, CheckCertificate(true, cert))
	assert.ErrorIs(t, CheckCertificate(false, cert), ErrEnvironmentMismatch)

	other, err := LoadCertificate(writeSelfSigned(t, "example.com"), "", "")
	require.NoError(t, err)
	assert.ErrorIs(t, CheckCertificate(true, other), ErrNotAppleIssued)

	assert.ErrorIs(t, CheckCertificate(true, tls.Certificate{}), ErrNoCertificate)
}

func TestLoadCertificate_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadCertificate(filepath.Join(t.TempDir(), "missing.pem"), "", "")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.p12")
	require.NoError(t, os.WriteFile(bad, []byte("not pkcs12"), 0o600))
	_, err = LoadCertificate(bad, "", "secret")
	assert.ErrorContains(t, err, "decode pkcs12")
}
