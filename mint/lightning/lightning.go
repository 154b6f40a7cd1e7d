// Package lightning defines the mint's payment port: the narrow set of
// capabilities the engine needs from a Lightning node, independent of
// which implementation (LND, CLN, or the in-memory fake used in tests)
// backs it.
package lightning

import (
	"context"
	"errors"
)

const (
	InvoiceExpiryTime = 900 // seconds
	FeePercent        = 1
)

var ErrPaymentNotFound = errors.New("payment not found")

// PaymentStatus is the outcome reported for an outgoing payment. It is
// distinct from (and narrower than) the melt-quote state machine's
// State: a backend only ever reports Pending, Paid, Failed, or Unknown.
// Unknown means the backend could not determine the outcome (a timeout,
// a disconnect mid-payment) and the caller must re-check later via
// CheckOutgoingPayment rather than assume either outcome; a backend must
// never report Paid unless settlement is irreversible, and must
// guarantee non-delivery before reporting Failed.
type PaymentStatus int

const (
	Pending PaymentStatus = iota
	Paid
	Failed
	Unknown
)

func (s PaymentStatus) String() string {
	switch s {
	case Paid:
		return "paid"
	case Failed:
		return "failed"
	case Unknown:
		return "unknown"
	default:
		return "pending"
	}
}

// Invoice is an incoming bolt11 invoice, either freshly created by
// CreateIncomingInvoice or read back by its RequestLookupId (the bolt11
// payment hash, which is what correlates an invoice across the port's
// three incoming-side methods).
type Invoice struct {
	PaymentRequest  string
	RequestLookupId string
	Preimage        string
	Settled         bool
	Amount          uint64
	Expiry          uint64
}

// PaymentQuote is what GetPaymentQuote reports ahead of an outgoing
// payment attempt: what the destination will receive, what the mint
// should reserve for routing fees, and the id the payment's outcome will
// be reported under once attempted.
type PaymentQuote struct {
	Amount          uint64
	FeeReserve      uint64
	RequestLookupId string
}

// PaymentResult is what MakePayment and CheckOutgoingPayment report for
// an outgoing payment.
type PaymentResult struct {
	Status PaymentStatus
	// TotalSpent is the amount, in sats, actually debited: the
	// destination amount plus whatever routing fee the payment used.
	TotalSpent uint64
	// PaymentProof is the preimage, populated once Status is Paid.
	PaymentProof string
	// PaymentLookupId correlates this result with a later
	// CheckOutgoingPayment call.
	PaymentLookupId string
}

// IncomingPaymentSubscription streams the settlement of a single
// incoming invoice. Recv blocks until the invoice is settled; the CLN
// backend also returns once the invoice expires.
type IncomingPaymentSubscription interface {
	Recv() (Invoice, error)
}

// Client is the payment port: everything the mint needs from a
// Lightning node to run the mint-quote and melt-quote state machines and
// the startup reconciler.
type Client interface {
	ConnectionStatus() error

	// CreateIncomingInvoice requests a new bolt11 invoice for amount
	// sats, carrying description and expiring expiry seconds from now.
	CreateIncomingInvoice(amount uint64, description string, expiry uint64) (Invoice, error)
	// CheckIncomingPayment looks up a previously created incoming
	// invoice by its RequestLookupId.
	CheckIncomingPayment(requestLookupId string) (Invoice, error)
	// WaitIncomingPayments blocks a long-lived watch on a single
	// incoming invoice; used by the mint's background
	// payment-notification loop.
	WaitIncomingPayments(ctx context.Context, requestLookupId string) (IncomingPaymentSubscription, error)

	// GetPaymentQuote reports what paying request would cost ahead of
	// attempting it: the amount the destination receives, the fee
	// reserve the mint should hold back, and the RequestLookupId the
	// payment will later be tracked under. amountMsat is only
	// consulted for amountless invoices.
	GetPaymentQuote(request string, amountMsat uint64) (PaymentQuote, error)
	// MakePayment attempts payment of request, refusing to spend more
	// than maxFee sats in routing fees. When partialAmountMsat is
	// non-zero, only that shard of a multi-part (NUT-15) melt is paid.
	MakePayment(ctx context.Context, request string, partialAmountMsat, maxFee uint64) (PaymentResult, error)
	// CheckOutgoingPayment re-checks a payment whose last known status
	// was Pending or Unknown, by its RequestLookupId.
	CheckOutgoingPayment(ctx context.Context, requestLookupId string) (PaymentResult, error)
}
