package broker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafeTLSPath indicates a certificate or key path that is absolute
// or contains a parent-directory component.
var ErrUnsafeTLSPath = errors.New("unsafe TLS file path")

// LoadTLSConfig loads a PEM certificate chain and private key for the
// TLS acceptor. PKCS#8, PKCS#1, and EC private keys are all accepted
// (crypto/tls recognizes every PEM key type in use). Client certificates
// are not requested.
//
// User-supplied paths are restricted to safe relative paths: absolute
// paths and any path containing a parent-directory component are
// refused.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	for _, p := range []string{certPath, keyPath} {
		if !isSafeRelativePath(p) {
			return nil, fmt.Errorf("%q: %w", p, ErrUnsafeTLSPath)
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair (%s, %s): %w", certPath, keyPath, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// isSafeRelativePath reports whether p is relative and free of
// parent-directory components.
func isSafeRelativePath(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
