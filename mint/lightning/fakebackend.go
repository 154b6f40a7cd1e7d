package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	fakePreimage           = "0000000000000000"
	failPaymentDescription = "fail the payment"
)

// fakeIncoming is an invoice the backend issued on behalf of the mint.
type fakeIncoming struct {
	invoice Invoice
}

// fakeOutgoing is a payment the backend was asked to make on the mint's
// behalf, tracked under its own RequestLookupId so CheckOutgoingPayment
// can be called any number of times after MakePayment.
type fakeOutgoing struct {
	requestLookupId string
	status          PaymentStatus
	totalSpent      uint64
	preimage        string
}

// FakeBackend is an in-memory payment port used by tests and the
// FakeBackend config in lieu of a real Lightning node. Paying an invoice
// whose description is "fail the payment" always fails; otherwise a
// payment settles immediately unless PaymentDelay holds it Pending for
// that many seconds past the invoice's creation time.
type FakeBackend struct {
	mu       sync.Mutex
	incoming []fakeIncoming
	outgoing []fakeOutgoing
	// PaymentDelay, when positive, keeps an outgoing payment Pending
	// until PaymentDelay seconds have passed since the invoice it pays
	// was created.
	PaymentDelay int64
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateIncomingInvoice(amount uint64, description string, expiry uint64) (Invoice, error) {
	request, preimage, lookupId, err := createFakeInvoice(amount, description)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest:  request,
		RequestLookupId: lookupId,
		Preimage:        preimage,
		Amount:          amount,
		Expiry:          uint64(time.Now().Unix()) + expiry,
	}

	fb.mu.Lock()
	fb.incoming = append(fb.incoming, fakeIncoming{invoice: invoice})
	fb.mu.Unlock()

	return invoice, nil
}

func (fb *FakeBackend) CheckIncomingPayment(requestLookupId string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	idx := slices.IndexFunc(fb.incoming, func(i fakeIncoming) bool {
		return i.invoice.RequestLookupId == requestLookupId
	})
	if idx == -1 {
		return Invoice{}, errors.New("invoice does not exist")
	}
	return fb.incoming[idx].invoice, nil
}

func (fb *FakeBackend) WaitIncomingPayments(ctx context.Context, requestLookupId string) (IncomingPaymentSubscription, error) {
	return &fakeIncomingSub{fb: fb, requestLookupId: requestLookupId}, nil
}

type fakeIncomingSub struct {
	fb              *FakeBackend
	requestLookupId string
}

func (sub *fakeIncomingSub) Recv() (Invoice, error) {
	for {
		invoice, err := sub.fb.CheckIncomingPayment(sub.requestLookupId)
		if err != nil || invoice.Settled {
			return invoice, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (fb *FakeBackend) GetPaymentQuote(request string, amountMsat uint64) (PaymentQuote, error) {
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentQuote{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	amount := uint64(bolt11.MSatoshi) / 1000
	if amount == 0 {
		amount = amountMsat / 1000
	}

	return PaymentQuote{
		Amount:          amount,
		FeeReserve:      uint64(float64(amount) * FeePercent / 100),
		RequestLookupId: bolt11.PaymentHash,
	}, nil
}

func (fb *FakeBackend) makePayment(request string, partialAmountMsat uint64) (PaymentResult, error) {
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	spent := uint64(bolt11.MSatoshi) / 1000
	if partialAmountMsat > 0 {
		spent = partialAmountMsat / 1000
	}

	status := Paid
	if bolt11.Description == failPaymentDescription {
		status = Failed
	} else if fb.PaymentDelay > 0 && time.Now().Unix() < int64(bolt11.CreatedAt)+fb.PaymentDelay {
		status = Pending
	}

	result := fakeOutgoing{
		requestLookupId: bolt11.PaymentHash,
		status:          status,
		totalSpent:      spent,
		preimage:        fakePreimage,
	}

	fb.mu.Lock()
	fb.outgoing = append(fb.outgoing, result)
	fb.mu.Unlock()

	paymentResult := PaymentResult{
		Status:          status,
		TotalSpent:      spent,
		PaymentLookupId: bolt11.PaymentHash,
	}
	if status == Paid {
		paymentResult.PaymentProof = fakePreimage
	}
	return paymentResult, nil
}

func (fb *FakeBackend) MakePayment(ctx context.Context, request string, partialAmountMsat, maxFee uint64) (PaymentResult, error) {
	return fb.makePayment(request, partialAmountMsat)
}

func (fb *FakeBackend) CheckOutgoingPayment(ctx context.Context, requestLookupId string) (PaymentResult, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	idx := slices.IndexFunc(fb.outgoing, func(o fakeOutgoing) bool {
		return o.requestLookupId == requestLookupId
	})
	if idx == -1 {
		return PaymentResult{}, ErrPaymentNotFound
	}

	out := fb.outgoing[idx]
	result := PaymentResult{
		Status:          out.status,
		TotalSpent:      out.totalSpent,
		PaymentLookupId: out.requestLookupId,
	}
	if out.status == Paid {
		result.PaymentProof = out.preimage
	}
	return result, nil
}

// SetOutgoingStatus lets tests force a pending payment to a terminal
// state, simulating a backend that settles or fails asynchronously.
func (fb *FakeBackend) SetOutgoingStatus(requestLookupId string, status PaymentStatus) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	idx := slices.IndexFunc(fb.outgoing, func(o fakeOutgoing) bool {
		return o.requestLookupId == requestLookupId
	})
	if idx == -1 {
		return
	}
	fb.outgoing[idx].status = status
	if status == Paid && fb.outgoing[idx].preimage == "" {
		fb.outgoing[idx].preimage = fakePreimage
	}
}

// SetIncomingSettled lets tests mark a previously created invoice as
// paid without going through a real payer.
func (fb *FakeBackend) SetIncomingSettled(requestLookupId string, settled bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	idx := slices.IndexFunc(fb.incoming, func(i fakeIncoming) bool {
		return i.invoice.RequestLookupId == requestLookupId
	})
	if idx == -1 {
		return
	}
	fb.incoming[idx].invoice.Settled = settled
}

func createFakeInvoice(amount uint64, description string) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	if description == "" {
		description = "fake invoice"
	}

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description(description),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
