/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package ssh

import (
	"io"

	"github.com/Psiphon-Labs/sshtransport/common/errors"
	cryptossh "golang.org/x/crypto/ssh"
)

// Host and user key handling is delegated to golang.org/x/crypto/ssh:
// parsing, serialization and signature verification of the supported key
// formats live there, while this package consumes keys only through the
// opaque PublicKey and Signer capabilities. The transport itself never
// inspects key material beyond the wire-format name.

// PublicKey represents a public key using an unspecified algorithm.
type PublicKey = cryptossh.PublicKey

// Signer is a private key that can sign with its default algorithm.
type Signer = cryptossh.Signer

// AlgorithmSigner is a Signer that also supports selecting the signature
// algorithm, which is required for rsa-sha2-* host key signatures.
type AlgorithmSigner = cryptossh.AlgorithmSigner

// MultiAlgorithmSigner is an AlgorithmSigner restricted to a subset of
// its key's signature algorithms.
type MultiAlgorithmSigner = cryptossh.MultiAlgorithmSigner

// Signature represents a cryptographic signature.
type Signature = cryptossh.Signature

// Key format and signature algorithm names, as they appear on the wire.
const (
	KeyAlgoRSA       = cryptossh.KeyAlgoRSA
	KeyAlgoRSASHA256 = cryptossh.KeyAlgoRSASHA256
	KeyAlgoRSASHA512 = cryptossh.KeyAlgoRSASHA512
	KeyAlgoECDSA256  = cryptossh.KeyAlgoECDSA256
	KeyAlgoECDSA384  = cryptossh.KeyAlgoECDSA384
	KeyAlgoECDSA521  = cryptossh.KeyAlgoECDSA521
	KeyAlgoED25519   = cryptossh.KeyAlgoED25519
)

// supportedHostKeyAlgos specifies the supported host-key algorithms (i.e.
// methods of authenticating servers) in preference order.
var supportedHostKeyAlgos = []string{
	KeyAlgoED25519,
	KeyAlgoECDSA256, KeyAlgoECDSA384, KeyAlgoECDSA521,
	KeyAlgoRSASHA256, KeyAlgoRSASHA512, KeyAlgoRSA,
}

// ParsePublicKey parses an SSH public key in wire format.
func ParsePublicKey(in []byte) (PublicKey, error) {
	key, err := cryptossh.ParsePublicKey(in)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return key, nil
}

// ParsePrivateKey parses a PEM encoded private key, returning a Signer.
func ParsePrivateKey(pemBytes []byte) (Signer, error) {
	signer, err := cryptossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return signer, nil
}

// NewSignerFromKey takes a crypto private key and returns a Signer.
func NewSignerFromKey(key interface{}) (Signer, error) {
	signer, err := cryptossh.NewSignerFromKey(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return signer, nil
}

// NewPublicKey takes a crypto public key and returns a PublicKey.
func NewPublicKey(key interface{}) (PublicKey, error) {
	publicKey, err := cryptossh.NewPublicKey(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return publicKey, nil
}

// FingerprintSHA256 returns the OpenSSH-style SHA256 fingerprint of a
// public key, for logging and host key prompts.
func FingerprintSHA256(key PublicKey) string {
	return cryptossh.FingerprintSHA256(key)
}

// algorithmsForKeyFormat returns the signature algorithms usable with a
// key of the given wire format, strongest first. RSA keys sign with the
// rsa-sha2 family in addition to the legacy format name; every other key
// format names exactly one algorithm.
func algorithmsForKeyFormat(keyFormat string) []string {
	switch keyFormat {
	case KeyAlgoRSA:
		return []string{KeyAlgoRSASHA256, KeyAlgoRSASHA512, KeyAlgoRSA}
	default:
		return []string{keyFormat}
	}
}

// keyFormatForAlgorithm is the inverse of algorithmsForKeyFormat: the
// wire format of the key that produces signatures under algo.
func keyFormatForAlgorithm(algo string) string {
	switch algo {
	case KeyAlgoRSASHA256, KeyAlgoRSASHA512:
		return KeyAlgoRSA
	default:
		return algo
	}
}

// algorithmSignerFromSigner upgrades a Signer to an AlgorithmSigner. All
// signers produced by golang.org/x/crypto/ssh implement
// AlgorithmSigner; a bare Signer is wrapped to sign only with its
// default algorithm.
func algorithmSignerFromSigner(signer Signer) AlgorithmSigner {
	if algorithmSigner, ok := signer.(AlgorithmSigner); ok {
		return algorithmSigner
	}
	return defaultAlgorithmSigner{signer}
}

type defaultAlgorithmSigner struct {
	Signer
}

func (s defaultAlgorithmSigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*Signature, error) {
	if algorithm != "" && algorithm != s.PublicKey().Type() {
		return nil, errors.Tracef("unsupported signature algorithm %q", algorithm)
	}
	return s.Sign(rand, data)
}

// signAndMarshal signs data with the requested algorithm and serializes
// the signature in SSH wire format.
func signAndMarshal(k AlgorithmSigner, rand io.Reader, data []byte, algo string) ([]byte, error) {
	sig, err := k.SignWithAlgorithm(rand, data, algo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return marshalSignature(sig), nil
}

func marshalSignature(sig *Signature) []byte {
	out := appendString(nil, sig.Format)
	out = appendString(out, string(sig.Blob))
	out = append(out, sig.Rest...)
	return out
}

func parseSignatureBody(in []byte) (*Signature, []byte, bool) {
	format, in, ok := parseString(in)
	if !ok {
		return nil, nil, false
	}
	blob, in, ok := parseString(in)
	if !ok {
		return nil, nil, false
	}
	return &Signature{
		Format: string(format),
		Blob:   blob,
	}, in, true
}

// verifyHostKeySignature verifies the host key obtained in the key exchange.
// algo is the negotiated algorithm, which may differ from the key's own
// format name for rsa-sha2 signatures.
func verifyHostKeySignature(hostKey PublicKey, algo string, result *kexResult) error {
	sig, rest, ok := parseSignatureBody(result.Signature)
	if len(rest) > 0 || !ok {
		return ErrMalformedPacket
	}

	if sig.Format != algo {
		return errors.Tracef(
			"invalid signature algorithm %q, expected %q", sig.Format, algo)
	}

	err := hostKey.Verify(result.H, sig)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// pickHostKey selects, from the configured host keys, the signer matching
// the negotiated host key algorithm.
func pickHostKey(hostKeys []Signer, algo string) AlgorithmSigner {
	want := keyFormatForAlgorithm(algo)
	for _, k := range hostKeys {
		if k.PublicKey().Type() == want {
			return algorithmSignerFromSigner(k)
		}
	}
	return nil
}
