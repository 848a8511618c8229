package sessions

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// CertsMountPath is where the bundle is mounted inside the container.
const CertsMountPath = "/etc/mcp-certs"

const (
	caFileName   = "ca.crt"
	certFileName = "server.crt"
	keyFileName  = "server.key"

	certValidity = 365 * 24 * time.Hour
	rsaKeyBits   = 2048
)

// writeCertBundle generates a CA plus leaf certificate and RSA key under
// dir, all written 0600. In placeholder mode the files carry textual
// markers instead of real material. Partial files are removed on any error.
func writeCertBundle(dir, sessionID string, placeholder bool) (ref *state.CertRef, err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cert directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	if placeholder {
		for _, name := range []string{caFileName, certFileName, keyFileName} {
			content := fmt.Sprintf("placeholder %s for session %s\n", name, sessionID)
			if err = os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
				return nil, fmt.Errorf("writing placeholder %s: %w", name, err)
			}
		}
		return &state.CertRef{Kind: "placeholder", Dir: dir}, nil
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	notAfter := notBefore.Add(certValidity)

	caKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	caSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          caSerial,
		Subject:               pkix.Name{CommonName: "mcpfleet session CA", Organization: []string{"mcpfleet"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}
	leafSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: leafSerial,
		Subject:      pkix.Name{CommonName: sessionID, Organization: []string{"mcpfleet"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caTemplate, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating leaf certificate: %w", err)
	}

	files := []struct {
		name string
		pem  *pem.Block
	}{
		{caFileName, &pem.Block{Type: "CERTIFICATE", Bytes: caDER}},
		{certFileName, &pem.Block{Type: "CERTIFICATE", Bytes: leafDER}},
		{keyFileName, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)}},
	}
	for _, f := range files {
		if err = os.WriteFile(filepath.Join(dir, f.name), pem.EncodeToMemory(f.pem), 0600); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.name, err)
		}
	}

	return &state.CertRef{Kind: "generated", Dir: dir, NotAfter: notAfter.UTC()}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating certificate serial: %w", err)
	}
	return serial, nil
}
