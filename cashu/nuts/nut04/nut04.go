// Package nut04 contains the mint-quote (NUT-04) request/response shapes
// and the mint quote state machine's State enum.
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import "github.com/chaumian/mint/cashu"

// State is a mint quote's lifecycle state: Unpaid -> Paid -> Issued.
// Issued is terminal.
type State int

const (
	Unpaid State = iota
	Paid
	Issued
)

func (s State) String() string {
	switch s {
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "UNPAID"
	}
}

func StringToState(s string) State {
	switch s {
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	default:
		return Unpaid
	}
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
	// Pubkey optionally locks redemption to a signature over the quote id
	// and blinded messages (NUT-20).
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   string `json:"state"`
	Expiry  int64  `json:"expiry"`
	Pubkey  string `json:"pubkey,omitempty"`
}

type PostMintBolt11Request struct {
	Quote     string                `json:"quote"`
	Outputs   cashu.BlindedMessages `json:"outputs"`
	Signature string                `json:"signature,omitempty"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
