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
	"bytes"
	"context"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/Psiphon-Labs/sshtransport/common/errors"
	"golang.org/x/sync/errgroup"
)

// TestKexes runs every registered key exchange algorithm over an in-memory
// packet pipe and checks that both sides derive the same shared secret and
// exchange hash.
func TestKexes(t *testing.T) {

	signer, err := testSigner("ed25519")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}

	for name, kex := range kexAlgoMap {
		t.Run(name, func(t *testing.T) {
			err := runKex(name, kex, signer)
			if err != nil {
				t.Errorf("runKex failed: %s", err)
			}
		})
	}
}

func runKex(name string, kex kexAlgorithm, signer Signer) error {

	magics := &handshakeMagics{
		clientVersion: []byte("SSH-2.0-client"),
		serverVersion: []byte("SSH-2.0-server"),
		clientKexInit: []byte{1, 2, 3},
		serverKexInit: []byte{4, 5, 6},
	}

	a, b := memPipe()

	var clientResult, serverResult *kexResult

	testGroup, _ := errgroup.WithContext(context.Background())

	testGroup.Go(func() error {
		defer a.Close()
		result, err := kex.Client(a, rand.Reader, magics)
		if err != nil {
			return errors.Trace(err)
		}
		clientResult = result
		return nil
	})

	testGroup.Go(func() error {
		defer b.Close()
		result, err := kex.Server(
			b, rand.Reader, magics, algorithmSignerFromSigner(signer), KeyAlgoED25519)
		if err != nil {
			return errors.Trace(err)
		}
		serverResult = result
		return nil
	})

	err := testGroup.Wait()
	if err != nil {
		return errors.Trace(err)
	}

	if !bytes.Equal(clientResult.H, serverResult.H) {
		return errors.Tracef("%s: exchange hash mismatch", name)
	}
	if !bytes.Equal(clientResult.K, serverResult.K) {
		return errors.Tracef("%s: shared secret mismatch", name)
	}

	// The client side must be able to verify the server's signature over
	// the exchange hash.
	hostKey, err := ParsePublicKey(clientResult.HostKey)
	if err != nil {
		return errors.Trace(err)
	}
	err = verifyHostKeySignature(hostKey, KeyAlgoED25519, clientResult)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func TestDHGroupBounds(t *testing.T) {

	group := kexAlgoMap[kexAlgoDH14SHA256].(*dhGroup)

	// Public values outside (1, p-1) must be rejected.
	for _, bad := range []int64{0, 1} {
		_, err := group.diffieHellman(big.NewInt(bad), big.NewInt(7))
		if err == nil {
			t.Errorf("accepted degenerate public value %d", bad)
		}
	}
	_, err := group.diffieHellman(group.p, big.NewInt(7))
	if err == nil {
		t.Errorf("accepted public value p")
	}
}
