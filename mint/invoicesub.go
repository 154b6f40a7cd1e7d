package mint

import (
	"context"
	"errors"
	"time"

	"github.com/chaumian/mint/cashu/nuts/nut04"
	"github.com/chaumian/mint/mint/lightning"
	"github.com/chaumian/mint/mint/storage"
)

// checkInvoicePaid is spawned in its own goroutine, one per mint quote,
// right after the quote's invoice is created. It is the mint's one
// persistent background task (every other operation runs per-request):
// it holds the payment port's incoming-payment subscription open for
// that single invoice and marks the quote Paid as soon as it settles,
// instead of leaving every caller to poll GetMintQuoteState for that.
func (m *Mint) checkInvoicePaid(ctx context.Context, quoteId string) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		m.logErrorf("could not get mint quote '%v' from db: %v", quoteId, err)
		return
	}

	invoiceSub, err := m.lightningClient.WaitIncomingPayments(ctx, mintQuote.PaymentHash)
	if err != nil {
		m.logErrorf("could not subscribe to invoice changes for mint quote '%v': %v", quoteId, err)
		return
	}

	updateChan := make(chan lightning.Invoice)
	errChan := make(chan error)

	go func() {
		for {
			invoice, err := invoiceSub.Recv()
			if err != nil {
				errChan <- err
				return
			}

			// only send on channel if invoice gets settled
			if invoice.Settled {
				updateChan <- invoice
				return
			}
		}
	}()

	timeUntilExpiry := int64(mintQuote.Expiry) - time.Now().Unix()
	if timeUntilExpiry <= 0 {
		timeUntilExpiry = 1
	}

	select {
	case invoice := <-updateChan:
		if invoice.Settled {
			m.logInfof("received update from invoice sub. Invoice for mint quote '%v' is PAID", mintQuote.Id)
			if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid); err != nil {
				if !errors.Is(err, storage.ErrQuoteStateChanged) {
					m.logErrorf("could not mark mint quote '%v' as PAID in db: %v", mintQuote.Id, err)
					return
				}
			}
			mintQuote.State = nut04.Paid
			m.publishMintQuote(mintQuote)
		}
	case err := <-errChan:
		if errors.Is(ctx.Err(), context.Canceled) {
			m.logDebugf("canceling invoice subscription for quote '%v'. Context canceled", mintQuote.Id)
		} else {
			m.logErrorf("error reading from invoice subscription: %v", err)
		}
	case <-time.After(time.Second * time.Duration(timeUntilExpiry)):
		// cancel when quote reaches expiry time
		m.logDebugf("canceling invoice subscription for quote '%v'. Reached deadline", mintQuote.Id)
	}
}
