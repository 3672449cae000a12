package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/Peperworx/pydevts/errs"
	"github.com/Peperworx/pydevts/stream"
	"github.com/Peperworx/pydevts/wire"
)

const (
	msgStartRSA = "START_RSA"
	msgRSARand  = "RSA_RAND"

	nonceSize = 16
)

// RSAAuth is the asymmetric-key nonce challenge: the initiator proves it
// holds the configured private key by reversing a nonce only it could
// have decrypted, and the acceptor verifies that reversal, without ever
// transmitting a secret value in clear.
//
// Both sides of a cluster are configured with the same keypair; it
// authenticates cluster membership, not individual peer identity.
type RSAAuth struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// NewRSAAuth parses a PEM-encoded PKIX public key and a PEM-encoded
// PKCS1 private key into an RSAAuth handshake.
func NewRSAAuth(pubPEM, privPEM []byte) (*RSAAuth, error) {
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, &errs.AuthenticationError{Reason: "invalid public key PEM"}
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, &errs.AuthenticationError{Reason: "parse public key", Cause: err}
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, &errs.AuthenticationError{Reason: "public key is not RSA"}
	}

	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, &errs.AuthenticationError{Reason: "invalid private key PEM"}
	}
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, &errs.AuthenticationError{Reason: "parse private key", Cause: err}
	}

	return &RSAAuth{pub: pub, priv: priv}, nil
}

// Initiate runs the dialing side: announce START_RSA, receive the
// acceptor's encrypted nonce, decrypt it, reverse it, and send the
// reversal back.
func (a *RSAAuth) Initiate(ctx context.Context, s *stream.Stream) error {
	if err := sendMsg(s, msgStartRSA, nil); err != nil {
		return err
	}

	name, ciphertext, err := recvMsg(s)
	if err != nil {
		return err
	}
	if name != msgRSARand {
		return &errs.AuthenticationError{Reason: "expected RSA_RAND, got " + name}
	}

	nonce, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, a.priv, ciphertext, nil)
	if err != nil {
		return &errs.AuthenticationError{Reason: "decrypt nonce", Cause: err}
	}

	reversed := reverseBytes(nonce)
	return sendMsg(s, msgRSARand, reversed)
}

// Accept runs the listening side: receive START_RSA, generate a fresh
// nonce, encrypt and send it, then verify the initiator's reply is the
// octet-for-octet reversal of that same nonce.
func (a *RSAAuth) Accept(ctx context.Context, s *stream.Stream) error {
	name, _, err := recvMsg(s)
	if err != nil {
		return err
	}
	if name != msgStartRSA {
		return &errs.AuthenticationError{Reason: "expected START_RSA, got " + name}
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return &errs.AuthenticationError{Reason: "generate nonce", Cause: err}
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, a.pub, nonce, nil)
	if err != nil {
		return &errs.AuthenticationError{Reason: "encrypt nonce", Cause: err}
	}
	if err := sendMsg(s, msgRSARand, ciphertext); err != nil {
		return err
	}

	name, reply, err := recvMsg(s)
	if err != nil {
		return err
	}
	if name != msgRSARand {
		return &errs.AuthenticationError{Reason: "expected RSA_RAND, got " + name}
	}

	if !bytes.Equal(reply, reverseBytes(nonce)) {
		return &errs.AuthenticationError{Reason: "nonce reversal mismatch"}
	}
	return nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func sendMsg(s *stream.Stream, name string, data []byte) error {
	body, err := wire.EncodePair(name, data)
	if err != nil {
		return err
	}
	if err := s.Send(body); err != nil {
		return &errs.AuthenticationError{Reason: "send " + name, Cause: err}
	}
	return nil
}

func recvMsg(s *stream.Stream) (string, []byte, error) {
	body, err := s.Recv()
	if err != nil {
		return "", nil, &errs.AuthenticationError{Reason: "recv handshake message", Cause: err}
	}
	name, data, err := wire.DecodePair(body)
	if err != nil {
		return "", nil, &errs.AuthenticationError{Reason: "decode handshake message", Cause: err}
	}
	return name, data, nil
}
