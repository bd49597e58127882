package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/fernet/fernet-go"
)

// handshakeTimeout bounds the read of the client's public key (spec.md
// §4.2 step 1: "The server reads with a 30 s deadline").
const handshakeTimeout = 30 * time.Second

// performHandshake runs the per-connection asymmetric exchange described in
// spec.md §4.2: the client sends its RSA-2048 public key in PEM, the server
// mints a fresh Fernet key and returns it RSA-OAEP(SHA-256)-wrapped. It
// returns the Fernet key to use for every subsequent frame on conn. The
// handshake is single-use: a new TCP connection is required to rehandshake.
func performHandshake(conn net.Conn) (*fernet.Key, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	fr := newFrameReader(conn)
	pubPEM, err := fr.readFrame()
	if err != nil {
		return nil, fmt.Errorf("read client public key: %w", err)
	}

	pub, err := parseRSAPublicKeyPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client public key: %w", err)
	}

	var key fernet.Key
	if err := key.Generate(); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(key.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("wrap symmetric key: %w", err)
	}
	if err := writeFrame(conn, wrapped); err != nil {
		return nil, fmt.Errorf("send wrapped key: %w", err)
	}

	return &key, nil
}

// parseRSAPublicKeyPEM decodes a PEM block holding an RSA public key, in
// either PKIX ("PUBLIC KEY") or PKCS1 ("RSA PUBLIC KEY") form, matching
// what common client-side RSA libraries emit.
func parseRSAPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}
