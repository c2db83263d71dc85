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
	"bufio"
	"bytes"
	"io"

	"github.com/Psiphon-Labs/sshtransport/common/errors"
)

// packetConn represents a transport that implements packet based
// operations. Exactly one goroutine reads and one goroutine writes at a
// time; the handshake layer enforces this.
type packetConn interface {
	// writePacket encrypts and sends a packet of data to the remote peer.
	writePacket(packet []byte) error

	// readPacket reads and decrypts a packet of data. The read is blocking,
	// i.e. if error is nil, then the returned byte slice is always non-empty.
	readPacket() ([]byte, error)

	// Close closes the write-side of the connection.
	Close() error
}

// connectionState is the per-direction half of a transport: the active
// cipher, the packet sequence number, and the cipher staged by an
// in-flight key exchange.
type connectionState struct {
	packetCipher
	seqNum           uint32
	dir              direction
	pendingKeyChange chan packetCipher
}

// transport is the packet engine below the handshake layer. It frames,
// encrypts and authenticates outgoing packets and reverses the pipeline
// for incoming ones. Key changes staged by prepareKeyChange take effect
// at each direction's own newKeys boundary, so no packet is ever
// processed under a mixed key state.
type transport struct {
	reader connectionState
	writer connectionState

	bufReader *bufio.Reader
	bufWriter *bufio.Writer

	io.Closer

	strictMode     bool
	initialKEXDone bool
}

// prepareKeyChange stages new ciphers for both directions, derived from
// the negotiated algorithms and the key exchange result. Each direction
// installs its cipher when its own newKeys message crosses the wire.
func (t *transport) prepareKeyChange(algs *algorithms, kexResult *kexResult) error {
	maxPacket := t.reader.maxPacket()

	ciph, err := newPacketCipher(t.reader.dir, algs.r, kexResult, maxPacket)
	if err != nil {
		return errors.Trace(err)
	}
	t.reader.pendingKeyChange <- ciph

	ciph, err = newPacketCipher(t.writer.dir, algs.w, kexResult, maxPacket)
	if err != nil {
		return errors.Trace(err)
	}
	t.writer.pendingKeyChange <- ciph

	return nil
}

func (t *transport) setStrictMode() error {
	if t.reader.seqNum != 1 {
		return errors.TraceNew("kexinit was not the first packet")
	}
	t.strictMode = true
	return nil
}

func (t *transport) setInitialKEXDone() {
	t.initialKEXDone = true
}

// Read and decrypt next packet.
func (t *transport) readPacket() (p []byte, err error) {
	for {
		p, err = t.reader.readPacket(t.bufReader, t.strictMode)
		if err != nil {
			break
		}
		// in strict mode we pass through DEBUG and IGNORE packets only during
		// the initial KEX
		if len(p) == 0 || (t.strictMode && !t.initialKEXDone) ||
			(p[0] != msgIgnore && p[0] != msgDebug) {
			break
		}
	}
	return p, err
}

func (s *connectionState) readPacket(r *bufio.Reader, strictMode bool) ([]byte, error) {
	packet, err := s.packetCipher.readCipherPacket(s.seqNum, r)
	s.seqNum++
	if err == nil && len(packet) == 0 {
		err = ErrMalformedPacket
	}

	if len(packet) > 0 {
		switch packet[0] {
		case msgNewKeys:
			select {
			case cipher := <-s.pendingKeyChange:
				s.packetCipher = cipher
				if strictMode {
					s.seqNum = 0
				}
			default:
				return nil, errors.TraceNew("got bogus newkeys message")
			}

		case msgDisconnect:
			// Transform a disconnect message into an
			// error. Since this is lowest level at which
			// we interpret message types, doing it here
			// ensures that we don't have to handle it
			// elsewhere.
			var msg disconnectMsg
			if err := Unmarshal(packet, &msg); err != nil {
				return nil, errors.Trace(err)
			}
			return nil, &msg
		}
	}

	// The packet may point to an internal buffer, so copy the
	// packet out here.
	fresh := make([]byte, len(packet))
	copy(fresh, packet)

	return fresh, err
}

func (t *transport) writePacket(packet []byte) error {
	return t.writer.writePacket(t.bufWriter, packet, t.strictMode)
}

func (s *connectionState) writePacket(w *bufio.Writer, packet []byte, strictMode bool) error {
	changeKeys := len(packet) > 0 && packet[0] == msgNewKeys

	err := s.packetCipher.writeCipherPacket(s.seqNum, w, packet)
	if err != nil {
		return errors.Trace(err)
	}
	if err = w.Flush(); err != nil {
		return errors.Trace(err)
	}
	s.seqNum++
	if changeKeys {
		select {
		case cipher := <-s.pendingKeyChange:
			s.packetCipher = cipher
			if strictMode {
				s.seqNum = 0
			}
		default:
			panic("ssh: no key material for msgNewKeys")
		}
	}
	return err
}

func (s *connectionState) maxPacket() uint32 {
	if plain, ok := s.packetCipher.(*plainCipher); ok {
		return plain.maxPacket
	}
	return defaultMaxPacketSize
}

func newTransport(rwc io.ReadWriteCloser, maxPacket uint32, isClient bool) *transport {
	t := &transport{
		bufReader: bufio.NewReader(rwc),
		bufWriter: bufio.NewWriter(rwc),
		reader: connectionState{
			packetCipher:     &plainCipher{maxPacket: maxPacket},
			pendingKeyChange: make(chan packetCipher, 1),
		},
		writer: connectionState{
			packetCipher:     &plainCipher{maxPacket: maxPacket},
			pendingKeyChange: make(chan packetCipher, 1),
		},
		Closer: rwc,
	}
	if isClient {
		t.reader.dir = serverKeys
		t.writer.dir = clientKeys
	} else {
		t.reader.dir = clientKeys
		t.writer.dir = serverKeys
	}
	return t
}

// maxVersionStringBytes is the maximum number of bytes that we'll
// accept as a version string. RFC 4253 section 4.2 limits this at 255
// chars.
const maxVersionStringBytes = 255

// Sends and receives a version line.  The versionLine string should
// be US ASCII, start with "SSH-2.0-", and should not include a
// newline.
func exchangeVersions(rw io.ReadWriter, versionLine []byte) (them []byte, err error) {

	// Contrary to the RFC, we do not ignore lines that don't
	// start with "SSH-2.0-" to make the library usable with
	// nonconforming servers.
	for _, c := range versionLine {
		// RFC 4253 disallows non US-ASCII chars, and
		// specifically forbids null chars.
		if c < 32 {
			return nil, errors.TraceNew("junk character in version line")
		}
	}
	if _, err = rw.Write(append(versionLine, '\r', '\n')); err != nil {
		return nil, errors.Trace(err)
	}

	them, err = readVersion(rw)
	return them, err
}

// Read version string as specified by RFC 4253, section 4.2.
func readVersion(r io.Reader) ([]byte, error) {
	versionString := make([]byte, 0, 64)
	var ok bool
	var buf [1]byte

	for length := 0; length < maxVersionStringBytes; length++ {
		_, err := io.ReadFull(r, buf[:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		// The RFC says that the version should be terminated with \r\n
		// but several SSH servers actually only send a \n.
		if buf[0] == '\n' {
			if !bytes.HasPrefix(versionString, []byte("SSH-")) {
				// RFC 4253 says we need to ignore all version string lines
				// except the one containing the SSH version (provided that
				// all the lines do not exceed 255 bytes in total).
				versionString = versionString[:0]
				continue
			}
			ok = true
			break
		}

		// non ASCII chars are disallowed, but we are lenient,
		// since Go doesn't use null-terminated strings.

		// The RFC allows a comment after a space, however,
		// all of it (version and comments) goes into the
		// session hash.
		versionString = append(versionString, buf[0])
	}

	if !ok {
		return nil, errors.TraceNew("overflow reading version string")
	}

	// There might be a '\r' on the end which we should remove.
	if len(versionString) > 0 && versionString[len(versionString)-1] == '\r' {
		versionString = versionString[:len(versionString)-1]
	}
	return versionString, nil
}
