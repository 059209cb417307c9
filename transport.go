package main

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

// errPinMismatch is returned by the TLS handshake when no pin matches.
var errPinMismatch = errors.New("server certificate does not match any pinned key")

// newTransport builds the HTTP client used for every API call.
// Retries cover connection failures only when retries > 0. A replay of an
// authenticated call is decided by the api package, not here.
func newTransport(pins []string, retries int) (*retry.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if len(pins) > 0 {
		tlsConfig.VerifyConnection = verifyPins(pins)
	}

	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}

	// Wrap with retry logic using go-httpretry
	client, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(retries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}

// spkiPin returns the base64 SHA-256 of a certificate's public key info.
func spkiPin(rawSubjectPublicKeyInfo []byte) string {
	sum := sha256.Sum256(rawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// verifyPins accepts the connection when any certificate in the presented
// chain carries a pinned key. Normal chain verification still runs first.
func verifyPins(pins []string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		for _, cert := range cs.PeerCertificates {
			if slices.Contains(pins, spkiPin(cert.RawSubjectPublicKeyInfo)) {
				return nil
			}
		}
		return errPinMismatch
	}
}
