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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"hash"
	"io"

	"github.com/Psiphon-Labs/sshtransport/common/errors"
	"github.com/Psiphon-Labs/sshtransport/common/prng"
)

const (
	// packetSizeMultiple is the alignment unit for packet padding. RFC
	// 4253 section 6 requires a multiple of the cipher block size or 8,
	// whichever is larger; every cipher here has block size <= 16.
	packetSizeMultiple = 16

	// prefixLen is the length field plus the padding-length byte.
	prefixLen = 5

	// minPaddingLength is the RFC 4253 section 6 minimum.
	minPaddingLength = 4
)

// packetCipher is the uniform capability interface over the closed set of
// symmetric transforms: the pre-kex identity transform, CTR with detached
// MAC, and the AEAD constructions. One instance protects one direction and
// is replaced wholesale when a key exchange completes.
type packetCipher interface {
	// writeCipherPacket frames, pads, encrypts and authenticates one
	// payload. The caller advances the sequence number by exactly one per
	// call, including any transport-level retries; a packet is never
	// re-encoded.
	writeCipherPacket(seqNum uint32, w io.Writer, payload []byte) error

	// readCipherPacket reads, decrypts and verifies one packet, returning
	// the payload with padding removed. A verification failure is
	// ErrIntegrity and fatal; a framing inconsistency is
	// ErrMalformedPacket and fatal.
	readCipherPacket(seqNum uint32, r io.Reader) ([]byte, error)
}

// paddingLength returns the number of padding bytes for a payload,
// aligning encryptedLen (the byte count subject to the alignment rule) to
// packetSizeMultiple with at least the protocol minimum.
func paddingLength(encryptedLen int) int {
	padding := packetSizeMultiple - (encryptedLen % packetSizeMultiple)
	if padding < minPaddingLength {
		padding += packetSizeMultiple
	}
	return padding
}

// plainCipher is the identity transform in effect before the first key
// exchange completes: standard framing, random padding, no encryption and
// no MAC.
type plainCipher struct {
	maxPacket uint32
	prefix    [prefixLen]byte
}

func (c *plainCipher) writeCipherPacket(seqNum uint32, w io.Writer, payload []byte) error {
	padding := paddingLength(prefixLen + len(payload))
	length := len(payload) + 1 + padding

	binary.BigEndian.PutUint32(c.prefix[0:4], uint32(length))
	c.prefix[4] = byte(padding)

	paddingBytes := prng.Bytes(padding)

	if _, err := w.Write(c.prefix[:]); err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(paddingBytes); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c *plainCipher) readCipherPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	if _, err := io.ReadFull(r, c.prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(c.prefix[0:4])
	padding := uint32(c.prefix[4])

	if length <= padding+1 || length > c.maxPacket {
		return nil, ErrMalformedPacket
	}

	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body[:length-1-padding], nil
}

// streamPacketCipher is the non-AEAD baseline: a stream cipher (AES-CTR)
// with a detached HMAC, in either MAC-over-plaintext or encrypt-then-MAC
// ordering.
type streamPacketCipher struct {
	mac       hash.Hash
	cipher    cipher.Stream
	etm       bool
	maxPacket uint32

	// The following members are to avoid per-packet allocations.
	prefix      [prefixLen]byte
	seqNumBytes [4]byte
	padding     [2 * packetSizeMultiple]byte
	packetData  []byte
	macResult   []byte
}

func (s *streamPacketCipher) readCipherPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	if _, err := io.ReadFull(r, s.prefix[:]); err != nil {
		return nil, err
	}

	var encryptedPaddingLength [1]byte
	if s.mac != nil && s.etm {
		copy(encryptedPaddingLength[:], s.prefix[4:5])
		s.cipher.XORKeyStream(s.prefix[4:5], s.prefix[4:5])
	} else {
		s.cipher.XORKeyStream(s.prefix[:], s.prefix[:])
	}

	length := binary.BigEndian.Uint32(s.prefix[0:4])
	paddingLength := uint32(s.prefix[4])

	var macSize uint32
	if s.mac != nil {
		s.mac.Reset()
		binary.BigEndian.PutUint32(s.seqNumBytes[:], seqNum)
		s.mac.Write(s.seqNumBytes[:])
		if s.etm {
			s.mac.Write(s.prefix[:4])
			s.mac.Write(encryptedPaddingLength[:])
		} else {
			s.mac.Write(s.prefix[:])
		}
		macSize = uint32(s.mac.Size())
	}

	if length <= paddingLength+1 {
		return nil, ErrMalformedPacket
	}

	if length > s.maxPacket {
		return nil, ErrMalformedPacket
	}
	// length counts the padding-length byte, payload, and padding; the 4
	// length bytes themselves are not included.
	remainingLength := int32(length) - 1

	var packetDataSize int
	if s.mac != nil {
		// add size of MAC
		packetDataSize = int(remainingLength) + int(macSize)
	} else {
		packetDataSize = int(remainingLength)
	}

	if uint32(cap(s.packetData)) < uint32(packetDataSize) {
		s.packetData = make([]byte, packetDataSize)
	} else {
		s.packetData = s.packetData[:packetDataSize]
	}

	if _, err := io.ReadFull(r, s.packetData); err != nil {
		return nil, err
	}

	mac := s.packetData[remainingLength:]
	data := s.packetData[:remainingLength]

	if s.mac != nil && s.etm {
		s.mac.Write(data)
	}

	s.cipher.XORKeyStream(data, data)

	if s.mac != nil {
		if !s.etm {
			s.mac.Write(data)
		}
		s.macResult = s.mac.Sum(s.macResult[:0])
		if subtle.ConstantTimeCompare(s.macResult, mac) != 1 {
			return nil, ErrIntegrity
		}
	}

	return s.packetData[:int(length)-1-int(paddingLength)], nil
}

func (s *streamPacketCipher) writeCipherPacket(seqNum uint32, w io.Writer, payload []byte) error {
	aligned := prefixLen + len(payload)
	if s.mac != nil && s.etm {
		// In encrypt-then-MAC mode, the length is not encrypted and is
		// excluded from the alignment rule.
		aligned = 1 + len(payload)
	}
	padding := paddingLength(aligned)

	length := len(payload) + 1 + padding
	binary.BigEndian.PutUint32(s.prefix[0:4], uint32(length))
	s.prefix[4] = byte(padding)

	paddingBytes := s.padding[:padding]
	prng.Read(paddingBytes)

	if s.mac != nil {
		s.mac.Reset()
		binary.BigEndian.PutUint32(s.seqNumBytes[:], seqNum)
		s.mac.Write(s.seqNumBytes[:])

		if s.etm {
			// The length goes unencrypted and is MACed after the
			// ciphertext below.
			s.mac.Write(s.prefix[:4])
		} else {
			s.mac.Write(s.prefix[:])
			s.mac.Write(payload)
			s.mac.Write(paddingBytes)
		}
	}

	unencryptedPrefix := 0
	if s.mac != nil && s.etm {
		unencryptedPrefix = 4
	}

	s.cipher.XORKeyStream(s.prefix[unencryptedPrefix:], s.prefix[unencryptedPrefix:])
	s.cipher.XORKeyStream(payload, payload)
	s.cipher.XORKeyStream(paddingBytes, paddingBytes)

	if s.mac != nil && s.etm {
		s.mac.Write(s.prefix[4:])
		s.mac.Write(payload)
		s.mac.Write(paddingBytes)
	}

	if _, err := w.Write(s.prefix[:]); err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(paddingBytes); err != nil {
		return errors.Trace(err)
	}

	if s.mac != nil {
		s.macResult = s.mac.Sum(s.macResult[:0])
		if _, err := w.Write(s.macResult); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// gcmCipher implements the AES-GCM AEAD construction from RFC 5647. The
// length field is authenticated as associated data but not encrypted; the
// nonce is a per-direction invocation counter seeded from the derived IV.
type gcmCipher struct {
	aead      cipher.AEAD
	prefix    [4]byte
	iv        []byte
	buf       []byte
	maxPacket uint32
}

func newGCMCipher(key, iv []byte, unusedMacKey []byte, algs directionAlgorithms, maxPacket uint32) (packetCipher, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}

	aead, err := cipher.NewGCM(c)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &gcmCipher{
		aead:      aead,
		iv:        iv,
		maxPacket: maxPacket,
	}, nil
}

func (c *gcmCipher) writeCipherPacket(seqNum uint32, w io.Writer, payload []byte) error {
	// Pad out to multiple of 16 bytes. This is different from the
	// stream cipher because that encrypts the length too.
	padding := paddingLength(1 + len(payload))

	length := uint32(len(payload) + 1 + padding)
	binary.BigEndian.PutUint32(c.prefix[:], length)
	if _, err := w.Write(c.prefix[:]); err != nil {
		return errors.Trace(err)
	}

	if cap(c.buf) < int(length) {
		c.buf = make([]byte, length)
	} else {
		c.buf = c.buf[:length]
	}
	c.buf[0] = byte(padding)
	copy(c.buf[1:], payload)
	prng.Read(c.buf[1+len(payload):])
	c.buf = c.aead.Seal(c.buf[:0], c.iv, c.buf, c.prefix[:])
	if _, err := w.Write(c.buf); err != nil {
		return errors.Trace(err)
	}
	c.incIV()

	return nil
}

func (c *gcmCipher) incIV() {
	// The invocation counter is the trailing 8 bytes of the nonce.
	for i := 4 + 7; i >= 4; i-- {
		c.iv[i]++
		if c.iv[i] != 0 {
			break
		}
	}
}

func (c *gcmCipher) readCipherPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	if _, err := io.ReadFull(r, c.prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(c.prefix[:])
	if length > c.maxPacket {
		return nil, ErrMalformedPacket
	}

	if cap(c.buf) < int(length+gcmTagSize) {
		c.buf = make([]byte, length+gcmTagSize)
	} else {
		c.buf = c.buf[:length+gcmTagSize]
	}

	if _, err := io.ReadFull(r, c.buf); err != nil {
		return nil, err
	}

	plain, err := c.aead.Open(c.buf[:0], c.iv, c.buf, c.prefix[:])
	if err != nil {
		return nil, ErrIntegrity
	}
	c.incIV()

	if len(plain) == 0 {
		return nil, ErrMalformedPacket
	}
	padding := uint32(plain[0])
	if padding < minPaddingLength || padding+1 >= length {
		return nil, ErrMalformedPacket
	}

	plain = plain[1 : length-padding]
	return plain, nil
}

const gcmTagSize = 16

// cipherMode describes one entry in the closed cipher variant set. Adding
// a cipher means adding a variant here; the codec call sites do not
// change.
type cipherMode struct {
	keySize int
	ivSize  int
	create  func(key, iv []byte, macKey []byte, algs directionAlgorithms, maxPacket uint32) (packetCipher, error)
}

func streamCipherMode(createFunc func(key, iv []byte) (cipher.Stream, error)) func(key, iv []byte, macKey []byte, algs directionAlgorithms, maxPacket uint32) (packetCipher, error) {
	return func(key, iv []byte, macKey []byte, algs directionAlgorithms, maxPacket uint32) (packetCipher, error) {
		stream, err := createFunc(key, iv)
		if err != nil {
			return nil, errors.Trace(err)
		}

		mac := macModes[algs.MAC].new(macKey)

		return &streamPacketCipher{
			mac:       mac,
			etm:       macModes[algs.MAC].etm,
			cipher:    stream,
			maxPacket: maxPacket,
		}, nil
	}
}

func newAESCTR(key, iv []byte) (cipher.Stream, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cipher.NewCTR(c, iv), nil
}

// cipherModes documents properties of supported ciphers. Ciphers not
// included are not supported and will not be negotiated, even if
// explicitly requested in the configuration.
var cipherModes = map[string]*cipherMode{
	// Ciphers from RFC 4344, which introduced counter mode for SSH.
	"aes128-ctr": {16, aes.BlockSize, streamCipherMode(newAESCTR)},
	"aes192-ctr": {24, aes.BlockSize, streamCipherMode(newAESCTR)},
	"aes256-ctr": {32, aes.BlockSize, streamCipherMode(newAESCTR)},

	// AEAD ciphers from RFC 5647. The MAC key material is unused.
	gcm128CipherID: {16, 12, newGCMCipher},
	gcm256CipherID: {32, 12, newGCMCipher},
}

// macMode describes one entry in the closed MAC variant set.
type macMode struct {
	keySize int
	etm     bool
	new     func(key []byte) hash.Hash
}

// truncatingMAC wraps around a hash.Hash and truncates the output digest to
// a given size.
type truncatingMAC struct {
	length int
	hmac   hash.Hash
}

func (t truncatingMAC) Write(data []byte) (int, error) {
	return t.hmac.Write(data)
}

func (t truncatingMAC) Sum(in []byte) []byte {
	out := t.hmac.Sum(in)
	return out[:len(in)+t.length]
}

func (t truncatingMAC) Reset() {
	t.hmac.Reset()
}

func (t truncatingMAC) Size() int {
	return t.length
}

func (t truncatingMAC) BlockSize() int { return t.hmac.BlockSize() }

var macModes = map[string]*macMode{
	"hmac-sha2-256-etm@openssh.com": {32, true, func(key []byte) hash.Hash {
		return hmac.New(sha256.New, key)
	}},
	"hmac-sha2-512-etm@openssh.com": {64, true, func(key []byte) hash.Hash {
		return hmac.New(sha512.New, key)
	}},
	"hmac-sha2-256": {32, false, func(key []byte) hash.Hash {
		return hmac.New(sha256.New, key)
	}},
	"hmac-sha2-512": {64, false, func(key []byte) hash.Hash {
		return hmac.New(sha512.New, key)
	}},
	"hmac-sha1": {20, false, func(key []byte) hash.Hash {
		return hmac.New(sha1.New, key)
	}},
}

// direction names the key derivation tags for one traffic direction, per
// RFC 4253 section 7.2.
type direction struct {
	ivTag     []byte
	keyTag    []byte
	macKeyTag []byte
}

var (
	serverKeys = direction{[]byte{'B'}, []byte{'D'}, []byte{'F'}}
	clientKeys = direction{[]byte{'A'}, []byte{'C'}, []byte{'E'}}
)

// generateKeyMaterial fills out with key material generated from tag, K, H
// and sessionId, as specified in RFC 4253, section 7.2.
func generateKeyMaterial(out, tag []byte, r *kexResult) {
	var digestsSoFar []byte

	h := r.Hash.New()
	for len(out) > 0 {
		h.Reset()
		h.Write(r.K)
		h.Write(r.H)

		if len(digestsSoFar) == 0 {
			h.Write(tag)
			h.Write(r.SessionID)
		} else {
			h.Write(digestsSoFar)
		}

		digest := h.Sum(nil)
		n := copy(out, digest)
		out = out[n:]
		if len(out) > 0 {
			digestsSoFar = append(digestsSoFar, digest...)
		}
	}
}

// newPacketCipher derives the six key material values for one direction
// and instantiates the negotiated transform. The returned packetCipher
// replaces the active one wholesale at the newKeys boundary.
func newPacketCipher(d direction, algs directionAlgorithms, kex *kexResult, maxPacket uint32) (packetCipher, error) {
	cipherMode := cipherModes[algs.Cipher]
	if cipherMode == nil {
		return nil, errors.Tracef("unsupported cipher %q", algs.Cipher)
	}

	iv := make([]byte, cipherMode.ivSize)
	key := make([]byte, cipherMode.keySize)

	generateKeyMaterial(iv, d.ivTag, kex)
	generateKeyMaterial(key, d.keyTag, kex)

	var macKey []byte
	if !aeadCiphers[algs.Cipher] {
		macMode := macModes[algs.MAC]
		if macMode == nil {
			return nil, errors.Tracef("unsupported MAC %q", algs.MAC)
		}
		macKey = make([]byte, macMode.keySize)
		generateKeyMaterial(macKey, d.macKeyTag, kex)
	}

	return cipherMode.create(key, iv, macKey, algs, maxPacket)
}
