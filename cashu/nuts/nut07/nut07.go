// Package nut07 contains the proof-state check (NUT-07) shapes and the
// proof lifecycle's State enum.
//
// [NUT-07]: https://github.com/cashubtc/nuts/blob/main/07.md
package nut07

import (
	"encoding/json"
	"errors"
)

// State is a stored proof's lifecycle state.
// Unspent -> Pending (request intake) -> Spent (terminal, on success)
// Pending -> Unspent (on rollback)
// Reserved marks a proof set aside by a caller (e.g. a wallet) without an
// in-flight mint-side quote; it behaves like Pending for spendability
// checks but is not tied to any quote id.
type State int

const (
	Unspent State = iota
	Pending
	Spent
	Reserved
	Unknown
)

func (state State) String() string {
	switch state {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	case Reserved:
		return "RESERVED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNSPENT":
		return Unspent
	case "PENDING":
		return Pending
	case "SPENT":
		return Spent
	case "RESERVED":
		return Reserved
	}
	return Unknown
}

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness,omitempty"`
}

func (state ProofState) MarshalJSON() ([]byte, error) {
	proofString := struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness,omitempty"`
	}{
		Y:       state.Y,
		State:   state.State.String(),
		Witness: state.Witness,
	}
	return json.Marshal(proofString)
}

func (state *ProofState) UnmarshalJSON(data []byte) error {
	var proofString struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness"`
	}

	if err := json.Unmarshal(data, &proofString); err != nil {
		return err
	}

	state.Y = proofString.Y
	stateVal := StringToState(proofString.State)
	if stateVal == Unknown {
		return errors.New("invalid state")
	}
	state.State = stateVal
	state.Witness = proofString.Witness

	return nil
}
