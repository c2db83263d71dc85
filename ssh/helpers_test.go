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
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"sync"

	"github.com/Psiphon-Labs/sshtransport/common/errors"
)

// netPipe returns a pair of connected TCP sockets on the loopback
// interface. Unlike net.Pipe, writes are buffered, which matches how the
// handshake behaves over a real network.
func netPipe() (net.Conn, net.Conn, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		listener, err = net.Listen("tcp", "[::1]:0")
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	defer listener.Close()
	c1, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	c2, err := listener.Accept()
	if err != nil {
		c1.Close()
		return nil, nil, errors.Trace(err)
	}
	return c1, c2, nil
}

var (
	testSignersOnce sync.Once
	testSignersErr  error

	// testSigners holds one host/client key per supported key type,
	// generated once per test run.
	testSigners map[string]Signer
)

func getTestSigners() (map[string]Signer, error) {
	testSignersOnce.Do(func() {
		testSigners = map[string]Signer{}

		_, ed25519Key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			testSignersErr = errors.Trace(err)
			return
		}
		testSigners["ed25519"], err = NewSignerFromKey(ed25519Key)
		if err != nil {
			testSignersErr = errors.Trace(err)
			return
		}

		ecdsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			testSignersErr = errors.Trace(err)
			return
		}
		testSigners["ecdsa"], err = NewSignerFromKey(ecdsaKey)
		if err != nil {
			testSignersErr = errors.Trace(err)
			return
		}

		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			testSignersErr = errors.Trace(err)
			return
		}
		testSigners["rsa"], err = NewSignerFromKey(rsaKey)
		if err != nil {
			testSignersErr = errors.Trace(err)
			return
		}
	})
	return testSigners, testSignersErr
}

func testSigner(name string) (Signer, error) {
	signers, err := getTestSigners()
	if err != nil {
		return nil, errors.Trace(err)
	}
	signer, ok := signers[name]
	if !ok {
		return nil, errors.Tracef("no test signer %s", name)
	}
	return signer, nil
}
