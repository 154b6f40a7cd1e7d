// Package storage defines the mint's persistence port: the narrow set of
// capabilities the core engine needs from durable storage, independent of
// any particular database. sqlite (subpackage sqlite) is the only backend
// implemented; LoadMint in package mint opens it directly.
package storage

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/chaumian/mint/cashu"
	"github.com/chaumian/mint/cashu/nuts/nut04"
	"github.com/chaumian/mint/cashu/nuts/nut05"
)

// ErrQuoteStateChanged is returned by the CAS quote-state updates when the
// quote's stored state no longer matches the expected "from" state. The
// caller lost a race with another request processing the same quote and
// must re-read the quote to decide what to do next.
var ErrQuoteStateChanged = errors.New("quote state changed concurrently")

// ErrProofExists is returned by SaveProofs when one of the Ys being inserted
// is already spent, and by AddPendingProofs when one is already pending.
// It is the storage-level signal a swap/melt/mint caller turns into
// cashu.ProofAlreadyUsedErr or cashu.ProofPendingErr.
var ErrProofExists = errors.New("proof already exists")

type MintDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	// SaveProofs atomically burns inputs, marking their Ys spent. It
	// returns ErrProofExists (wrapping cashu.ProofAlreadyUsedErr at the
	// call site) if any Y is already spent.
	SaveProofs(cashu.Proofs) error
	GetProofsUsed(Ys []string) ([]DBProof, error)

	// AddPendingProofs reserves inputs against a melt quote while the
	// payment is in flight. Returns ErrProofExists if any Y is already
	// pending.
	AddPendingProofs(proofs cashu.Proofs, quoteId string) error
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)
	// RemovePendingProofs lifts the pending reservation, either because
	// the melt failed (proofs return to unspent) or succeeded (proofs
	// move to SaveProofs in the same rollback/commit step).
	RemovePendingProofs(Ys []string) error

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	GetMintQuoteByPaymentHash(string) (MintQuote, error)
	// GetMintQuotesByState lists every mint quote currently in state.
	// Used at startup to reconcile quotes left Unpaid across a restart.
	GetMintQuotesByState(state nut04.State) ([]MintQuote, error)
	// UpdateMintQuoteState is a compare-and-set: it only applies if the
	// quote is currently in the "from" state, returning
	// ErrQuoteStateChanged otherwise.
	UpdateMintQuoteState(quoteId string, from, to nut04.State) error
	// IncrementMintQuoteIssued atomically adds amount to issued_amount,
	// supporting redemption of a mint quote across more than one /mint call.
	IncrementMintQuoteIssued(quoteId string, amount uint64) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	// GetMeltQuoteByPaymentRequest is used both to reject duplicate melt
	// quotes for the same invoice and to detect the internal-settlement
	// shortcut (an outgoing melt whose invoice matches a local mint quote).
	GetMeltQuoteByPaymentRequest(string) (*MeltQuote, error)
	// GetMeltQuotesByState lists every melt quote currently in state.
	// Used at startup to reconcile quotes left Pending across a restart.
	GetMeltQuotesByState(state nut05.State) ([]MeltQuote, error)
	// UpdateMeltQuoteState is a compare-and-set, like UpdateMintQuoteState.
	// preimage is persisted whenever it is non-empty.
	UpdateMeltQuoteState(quoteId string, from, to nut05.State, preimage string) error

	SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	// these return a map of keyset id and amount
	GetIssuedEcash() (map[string]uint64, error)
	GetRedeemedEcash() (map[string]uint64, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount  uint64
	Id      string
	Secret  string
	Y       string
	C       string
	Witness string
	// for proofs in the pending table
	MeltQuoteId string
}

type MintQuote struct {
	Id             string
	Unit           string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
	Pubkey         *secp256k1.PublicKey
	// IssuedAmount tracks how much of Amount has already been signed for,
	// so a quote can be redeemed across more than one /mint call.
	IssuedAmount uint64
}

type MeltQuote struct {
	Id             string
	Unit           string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	IsMpp          bool
	// used when the melt quote is MPP
	AmountMsat uint64
}
