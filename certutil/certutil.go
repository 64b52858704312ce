// Package certutil thin-wraps lnd/cert to produce and load the
// self-signed TLS certificate rpcserver's HTTP and gRPC listeners serve
// over, following the same autogenerated-cert convention the teacher's
// own lnd.go applies to its RPC listeners.
package certutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/cert"
)

// DefaultValidity matches the teacher's own autogenerated certificate
// lifetime: long enough that an operator rarely has to think about
// rotation, short enough that a compromised key doesn't stay trusted
// forever.
const DefaultValidity = 14 * 30 * 24 * time.Hour

// Generate creates a new self-signed certificate covering host (IP
// addresses and/or DNS names rpcserver will be reached at) and writes it
// and its private key to certPath/keyPath, matching cert.GenCertPair's
// own autogeneration convention.
func Generate(host []string, certPath, keyPath string) (*tls.Config, error) {
	certBytes, keyBytes, err := cert.GenCertPair(
		"escrowcore autogenerated cert",
		host,
		nil, // extraIPs: host already carries every address this cert covers
		nil, // extraDomains
		false,
		DefaultValidity,
	)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(certPath, certBytes, 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyBytes, 0600); err != nil {
		return nil, err
	}

	return tlsConfigFromPair(certBytes, keyBytes)
}

// Load reads a previously generated certificate and key from disk and
// regenerates them via Generate if either is missing or the certificate
// is outdated for the given host set (cert.IsOutdated catches a host or
// IP rpcserver now listens on that the cert on disk doesn't cover).
func Load(host []string, certPath, keyPath string) (*tls.Config, error) {
	certBytes, err := os.ReadFile(certPath)
	if os.IsNotExist(err) {
		return Generate(host, certPath, keyPath)
	}
	if err != nil {
		return nil, err
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	leaf, err := parseLeaf(certBytes)
	if err != nil {
		return nil, err
	}
	outdated, err := cert.IsOutdated(leaf, nil, host, false)
	if err != nil {
		return nil, err
	}
	if outdated {
		return Generate(host, certPath, keyPath)
	}

	return tlsConfigFromPair(certBytes, keyBytes)
}

// parseLeaf decodes the first PEM-encoded certificate block in certBytes
// into an *x509.Certificate, the shape cert.IsOutdated inspects.
func parseLeaf(certBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certBytes)
	if block == nil {
		return nil, fmt.Errorf("certutil: no PEM certificate block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func tlsConfigFromPair(certBytes, keyBytes []byte) (*tls.Config, error) {
	tlsCert, err := tls.X509KeyPair(certBytes, keyBytes)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
