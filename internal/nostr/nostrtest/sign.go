// Package nostrtest builds signed events for tests.
package nostrtest

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/types"
)

// Keypair is a test identity.
type Keypair struct {
	priv   *btcec.PrivateKey
	Pubkey string
}

// NewKeypair derives a keypair from a 32-byte hex secret.
func NewKeypair(secretHex string) Keypair {
	b, err := hex.DecodeString(secretHex)
	if err != nil {
		panic(err)
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return Keypair{
		priv:   priv,
		Pubkey: hex.EncodeToString(pub.SerializeCompressed()[1:]),
	}
}

// Sign fills in PubKey, ID and Sig.
func (k Keypair) Sign(evt types.Event) types.Event {
	evt.PubKey = k.Pubkey
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.ID = nostr.ComputeEventID(&evt)
	id, _ := hex.DecodeString(evt.ID)
	sig, err := schnorr.Sign(k.priv, id)
	if err != nil {
		panic(err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt
}

// Alice and Bob are fixed identities shared by tests.
var (
	Alice = NewKeypair("edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85")
	Bob   = NewKeypair("0000000000000000000000000000000000000000000000000000000000000003")
)
