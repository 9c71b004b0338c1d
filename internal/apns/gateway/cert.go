package gateway

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

var (
	ErrNoCertificate       = errors.New("apns: no client certificate")
	ErrNotAppleIssued      = errors.New("apns: certificate is not issued by Apple")
	ErrEnvironmentMismatch = errors.New("apns: certificate does not match the selected environment")
)

const (
	subjectProduction  = "Apple Production IOS Push Services"
	subjectDevelopment = "Apple Development IOS Push Services"
	subjectPassType    = "Pass Type ID"
)

// LoadCertificate reads a client certificate. Files ending in .p12 or .pfx
// are decoded as PKCS#12 with password; anything else is PEM holding both
// the certificate and its key, or a cert file with keyFile beside it.
func LoadCertificate(certFile, keyFile, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate: %w", err)
	}
	switch strings.ToLower(filepath.Ext(certFile)) {
	case ".p12", ".pfx":
		return decodePKCS12(data, password)
	}
	keyData := data
	if keyFile != "" {
		if keyData, err = os.ReadFile(keyFile); err != nil {
			return tls.Certificate{}, fmt.Errorf("read key: %w", err)
		}
	}
	cert, err := tls.X509KeyPair(data, keyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse pem key pair: %w", err)
	}
	return cert, nil
}

func decodePKCS12(data []byte, password string) (tls.Certificate, error) {
	key, leaf, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode pkcs12: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func leafOf(cert tls.Certificate) (*x509.Certificate, error) {
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, ErrNoCertificate
	}
	return x509.ParseCertificate(cert.Certificate[0])
}

// DetectProduction reports whether cert is an APNs production certificate.
func DetectProduction(cert tls.Certificate) bool {
	leaf, err := leafOf(cert)
	if err != nil {
		return false
	}
	return strings.Contains(leaf.Subject.String(), subjectProduction)
}

// CheckCertificate verifies that cert was issued by Apple for the selected
// environment.
func CheckCertificate(production bool, cert tls.Certificate) error {
	leaf, err := leafOf(cert)
	if err != nil {
		return err
	}
	subject := leaf.Subject.String()
	if !strings.Contains(leaf.Issuer.String(), "Apple") {
		return ErrNotAppleIssued
	}
	if production && !strings.Contains(subject, subjectProduction) {
		return fmt.Errorf("%w: production selected, subject %q", ErrEnvironmentMismatch, subject)
	}
	if !production && !strings.Contains(subject, subjectDevelopment) && !strings.Contains(subject, subjectPassType) {
		return fmt.Errorf("%w: sandbox selected, subject %q", ErrEnvironmentMismatch, subject)
	}
	return nil
}
