package cashu

import "errors"

// ErrBlindedMessagesAmountOverflow is returned when summing a set of
// blinded messages' amounts overflows a uint64.
var ErrBlindedMessagesAmountOverflow = errors.New("blinded messages amount overflows")

// TotalAmount sums the messages' amounts and the B_ values they're
// keyed by in the same pass, returning ErrBlindedMessagesAmountOverflow
// if the sum wrapped around.
func (bms BlindedMessages) TotalAmount() (uint64, []string, error) {
	var total uint64
	B_s := make([]string, len(bms))
	for i, bm := range bms {
		sum, overflow := AddUint64(total, bm.Amount)
		if overflow {
			return 0, nil, ErrBlindedMessagesAmountOverflow
		}
		total = sum
		B_s[i] = bm.B_
	}
	return total, B_s, nil
}

type PostMintRequest struct {
	Outputs BlindedMessages `json:"outputs"`
}

type PostMintResponse struct {
	Promises BlindedSignatures `json:"promises"`
}
