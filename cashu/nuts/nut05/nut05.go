// Package nut05 contains the melt-quote (NUT-05) request/response shapes
// and the melt quote state machine's State enum and MeltOptions variant.
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"

	"github.com/chaumian/mint/cashu"
)

// State is a melt quote's lifecycle state. Unknown is a payment-port
// outcome only; it is never persisted as a quote's stored state.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Failed
	Unknown
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	case Failed:
		return "FAILED"
	case Unknown:
		return "UNKNOWN"
	default:
		return "UNPAID"
	}
}

func StringToState(s string) State {
	switch s {
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	case "FAILED":
		return Failed
	case "UNKNOWN":
		return Unknown
	default:
		return Unpaid
	}
}

// MeltOptions is a tagged variant with exactly three arms, matching the
// config-object pattern used throughout this protocol: None (plain
// bolt11 melt), Mpp (pay only part of a multi-part payment), Amountless
// (pay an invoice that carries no embedded amount).
type MeltOptions interface {
	isMeltOptions()
}

type MeltOptionsNone struct{}

func (MeltOptionsNone) isMeltOptions() {}

type MeltOptionsMPP struct {
	AmountMsat uint64
}

func (MeltOptionsMPP) isMeltOptions() {}

type MeltOptionsAmountless struct {
	AmountMsat uint64
}

func (MeltOptionsAmountless) isMeltOptions() {}

type PostMeltQuoteBolt11Request struct {
	Request string      `json:"request"`
	Unit    string      `json:"unit"`
	Options MeltOptions `json:"-"`
}

// wire shape of the "options" field: at most one of the two arms is set.
type meltOptionsWire struct {
	MPP *struct {
		AmountMsat uint64 `json:"amount_msat"`
	} `json:"mpp,omitempty"`
	Amountless *struct {
		AmountMsat uint64 `json:"amount_msat"`
	} `json:"amountless,omitempty"`
}

func (r *PostMeltQuoteBolt11Request) UnmarshalJSON(data []byte) error {
	var wire struct {
		Request string           `json:"request"`
		Unit    string            `json:"unit"`
		Options *meltOptionsWire `json:"options"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.Request = wire.Request
	r.Unit = wire.Unit
	r.Options = MeltOptionsNone{}
	if wire.Options != nil {
		switch {
		case wire.Options.MPP != nil:
			r.Options = MeltOptionsMPP{AmountMsat: wire.Options.MPP.AmountMsat}
		case wire.Options.Amountless != nil:
			r.Options = MeltOptionsAmountless{AmountMsat: wire.Options.Amountless.AmountMsat}
		}
	}
	return nil
}

func (r PostMeltQuoteBolt11Request) MarshalJSON() ([]byte, error) {
	wire := struct {
		Request string           `json:"request"`
		Unit    string           `json:"unit"`
		Options *meltOptionsWire `json:"options,omitempty"`
	}{
		Request: r.Request,
		Unit:    r.Unit,
	}

	switch opts := r.Options.(type) {
	case MeltOptionsMPP:
		wire.Options = &meltOptionsWire{MPP: &struct {
			AmountMsat uint64 `json:"amount_msat"`
		}{AmountMsat: opts.AmountMsat}}
	case MeltOptionsAmountless:
		wire.Options = &meltOptionsWire{Amountless: &struct {
			AmountMsat uint64 `json:"amount_msat"`
		}{AmountMsat: opts.AmountMsat}}
	}

	return json.Marshal(wire)
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	State    string                  `json:"state"`
	Preimage string                  `json:"payment_preimage"`
	Change   cashu.BlindedSignatures `json:"change,omitempty"`
}
