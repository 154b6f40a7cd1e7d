package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// NUT-11 P2PK derivation path: m/129372'/0'/1'/0.
const (
	p2pkPurpose  = 129372
	p2pkCoinType = 0
	p2pkAccount  = 1
	p2pkIndex    = 0
)

// DeriveP2PK derives the keypair a wallet locks outgoing ecash to and
// unlocks incoming NUT-11 P2PK-locked ecash with, from the wallet's
// master seed.
func DeriveP2PK(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	purpose, err := key.Derive(hdkeychain.HardenedKeyStart + p2pkPurpose)
	if err != nil {
		return nil, err
	}

	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + p2pkCoinType)
	if err != nil {
		return nil, err
	}

	account, err := coinType.Derive(hdkeychain.HardenedKeyStart + p2pkAccount)
	if err != nil {
		return nil, err
	}

	extKey, err := account.Derive(p2pkIndex)
	if err != nil {
		return nil, err
	}

	return extKey.ECPrivKey()
}
