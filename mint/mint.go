package mint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/chaumian/mint/cashu"
	"github.com/chaumian/mint/cashu/nuts/nut02"
	"github.com/chaumian/mint/cashu/nuts/nut04"
	"github.com/chaumian/mint/cashu/nuts/nut05"
	"github.com/chaumian/mint/cashu/nuts/nut06"
	"github.com/chaumian/mint/cashu/nuts/nut07"
	"github.com/chaumian/mint/cashu/nuts/nut10"
	"github.com/chaumian/mint/cashu/nuts/nut11"
	"github.com/chaumian/mint/cashu/nuts/nut14"
	"github.com/chaumian/mint/cashu/nuts/nut20"
	"github.com/chaumian/mint/crypto"
	"github.com/chaumian/mint/mint/lightning"
	"github.com/chaumian/mint/mint/pubsub"
	"github.com/chaumian/mint/mint/storage"
	"github.com/chaumian/mint/mint/storage/sqlite"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	QuoteExpiryMins = 10
	BOLT11_METHOD   = "bolt11"

	BOLT11_MINT_QUOTE_TOPIC = "bolt11_mint_quote"
	BOLT11_MELT_QUOTE_TOPIC = "bolt11_melt_quote"
	PROOF_STATE_TOPIC       = "proof_state"
)

type Mint struct {
	db storage.MintDB

	// active keysets, keyed by unit string (one active keyset per unit)
	activeKeysets map[string]crypto.MintKeyset

	// map of all keysets (both active and inactive), keyed by keyset id
	keysets map[string]crypto.MintKeyset

	lightningClient lightning.Client
	mintInfo        nut06.MintInfo
	limits          MintLimits
	logger          *slog.Logger

	// enableMPP gates whether NUT-15 multi-part melt quotes are accepted
	// and advertised in mint info.
	enableMPP bool

	// publisher fans out quote and proof state changes to websocket
	// subscribers (NUT-17).
	publisher *pubsub.PubSub
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		path = mintPath()
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.InitSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	seed, err := db.GetSeed()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// generate new seed
			for {
				seed, err = hdkeychain.GenerateSeed(32)
				if err == nil {
					err = db.SaveSeed(seed)
					if err != nil {
						return nil, err
					}
					break
				}
			}
		} else {
			return nil, err
		}
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	derivationPathIdx := config.DerivationPathIdx
	if config.RotateKeyset {
		existingKeysets, err := db.GetKeysets()
		if err != nil {
			return nil, fmt.Errorf("error reading keysets from db: %v", err)
		}
		for _, dbkeyset := range existingKeysets {
			if dbkeyset.Unit == config.Unit.String() && dbkeyset.DerivationPathIdx >= derivationPathIdx {
				derivationPathIdx = dbkeyset.DerivationPathIdx + 1
			}
		}
	}

	activeKeyset, err := crypto.GenerateKeyset(master, config.Unit, derivationPathIdx, config.InputFeePpk)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("setting active keyset '%v' with fee %v", activeKeyset.Id, activeKeyset.InputFeePpk))

	mint := &Mint{
		db:            db,
		activeKeysets: map[string]crypto.MintKeyset{activeKeyset.Unit: *activeKeyset},
		limits:        config.Limits,
		logger:        logger,
		publisher:     pubsub.NewPubSub(),
	}

	dbKeysets, err := mint.db.GetKeysets()
	if err != nil {
		return nil, fmt.Errorf("error reading keysets from db: %v", err)
	}

	activeKeysetNew := true
	mintKeysets := make(map[string]crypto.MintKeyset)
	for _, dbkeyset := range dbKeysets {
		seed, err := hex.DecodeString(dbkeyset.Seed)
		if err != nil {
			return nil, err
		}

		master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
		if err != nil {
			return nil, err
		}

		if dbkeyset.Id == activeKeyset.Id {
			activeKeysetNew = false
		}
		unit, err := cashu.UnitFromString(dbkeyset.Unit)
		if err != nil {
			return nil, fmt.Errorf("unknown unit '%v' for keyset '%v': %v", dbkeyset.Unit, dbkeyset.Id, err)
		}
		keyset, err := crypto.GenerateKeyset(master, unit, dbkeyset.DerivationPathIdx, dbkeyset.InputFeePpk)
		if err != nil {
			return nil, err
		}
		keyset.Active = dbkeyset.Active
		mintKeysets[keyset.Id] = *keyset
	}

	// save active keyset if new
	if activeKeysetNew {
		hexseed := hex.EncodeToString(seed)
		activeDbKeyset := storage.DBKeyset{
			Id:                activeKeyset.Id,
			Unit:              activeKeyset.Unit,
			Active:            true,
			Seed:              hexseed,
			DerivationPathIdx: activeKeyset.DerivationPathIdx,
			InputFeePpk:       activeKeyset.InputFeePpk,
		}
		err := mint.db.SaveKeyset(activeDbKeyset)
		if err != nil {
			return nil, fmt.Errorf("error saving new active keyset: %v", err)
		}
	}
	mint.keysets = mintKeysets
	mint.keysets[activeKeyset.Id] = *activeKeyset
	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}
	mint.lightningClient = config.LightningClient
	mint.enableMPP = config.EnableMPP
	mint.SetMintInfo(config.MintInfo)

	// deactivate any other keyset sharing the active keyset's unit, and
	// pick up any already-active keyset for a unit this config doesn't
	// activate (so a unit isn't silently left without an active keyset
	// across a restart that only rotates sat).
	for _, keyset := range mint.keysets {
		if keyset.Id != activeKeyset.Id {
			if keyset.Unit == activeKeyset.Unit && keyset.Active {
				mint.logger.Info(fmt.Sprintf("setting keyset '%v' to inactive", keyset.Id))
				keyset.Active = false
				mint.db.UpdateKeysetActive(keyset.Id, false)
				mint.keysets[keyset.Id] = keyset
			} else if keyset.Unit != activeKeyset.Unit && keyset.Active {
				mint.activeKeysets[keyset.Unit] = keyset
			}
		}
	}

	mint.reconcileQuotes()

	return mint, nil
}

// reconcileQuotes runs once at startup and closes the gap a crash or
// restart can leave open: a mint quote whose invoice settled, or a melt
// quote whose outgoing payment resolved, while nothing was running to
// observe it. It polls the payment port for every quote left Unpaid or
// Pending and finalizes or rolls back what it can determine; anything
// the backend still reports as Pending or Unknown is left untouched and
// logged, to be resolved by a later GetMeltQuoteState/GetMintQuoteState
// call or the next restart.
func (m *Mint) reconcileQuotes() {
	unpaidMintQuotes, err := m.db.GetMintQuotesByState(nut04.Unpaid)
	if err != nil {
		m.logErrorf("reconcile: could not list unpaid mint quotes: %v", err)
	}
	for _, mintQuote := range unpaidMintQuotes {
		invoice, err := m.lightningClient.CheckIncomingPayment(mintQuote.PaymentHash)
		if err != nil {
			m.logWarnf("reconcile: could not check invoice '%v' for mint quote '%v': %v",
				mintQuote.PaymentHash, mintQuote.Id, err)
			continue
		}
		if !invoice.Settled {
			continue
		}

		m.logInfof("reconcile: invoice '%v' for mint quote '%v' settled while mint was down, marking paid",
			mintQuote.PaymentHash, mintQuote.Id)
		if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid); err != nil && !errors.Is(err, storage.ErrQuoteStateChanged) {
			m.logErrorf("reconcile: could not mark mint quote '%v' as paid: %v", mintQuote.Id, err)
			continue
		}
		mintQuote.State = nut04.Paid
		m.publishMintQuote(mintQuote)
	}

	pendingMeltQuotes, err := m.db.GetMeltQuotesByState(nut05.Pending)
	if err != nil {
		m.logErrorf("reconcile: could not list pending melt quotes: %v", err)
	}
	for _, meltQuote := range pendingMeltQuotes {
		result, err := m.lightningClient.CheckOutgoingPayment(context.Background(), meltQuote.PaymentHash)
		if err != nil {
			m.logWarnf("reconcile: could not check outgoing payment '%v' for melt quote '%v': %v",
				meltQuote.PaymentHash, meltQuote.Id, err)
		}

		switch result.Status {
		case lightning.Paid:
			m.logInfof("reconcile: payment '%v' for melt quote '%v' succeeded while mint was down, finalizing",
				meltQuote.PaymentHash, meltQuote.Id)
			meltQuote, err = m.finalizeMeltQuotePaid(meltQuote, result.PaymentProof)
			if err != nil {
				m.logErrorf("reconcile: could not finalize melt quote '%v' as paid: %v", meltQuote.Id, err)
				continue
			}
			m.publishMeltQuote(meltQuote)
		case lightning.Failed:
			m.logInfof("reconcile: payment '%v' for melt quote '%v' failed while mint was down, rolling back",
				meltQuote.PaymentHash, meltQuote.Id)
			meltQuote, err = m.rollbackMeltQuote(meltQuote)
			if err != nil {
				m.logErrorf("reconcile: could not roll back melt quote '%v': %v", meltQuote.Id, err)
				continue
			}
			m.publishMeltQuote(meltQuote)
		case lightning.Pending, lightning.Unknown:
			m.logWarnf("reconcile: melt quote '%v' payment '%v' still unresolved (%v); leaving pending",
				meltQuote.Id, meltQuote.PaymentHash, result.Status)
		}
	}
}

func (m *Mint) Shutdown() error {
	return m.db.Close()
}

// mintPath returns the mint's path
// at $HOME/.gonuts/mint
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".gonuts", "mint")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		if a.Key == slog.TimeKey {
			a.Value = slog.StringValue(time.Now().Truncate(time.Second * 2).Format(time.DateTime))
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}

	logWriter := io.MultiWriter(os.Stdout, logFile)
	level := slog.LevelInfo
	switch logLevel {
	case Debug:
		level = slog.LevelDebug
	case Disable:
		logWriter = io.Discard
	}

	return slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})), nil
}

// logInfof formats the strings with args and preserves the source position
// from where this method is called for the log msg. Otherwise all messages would be logged with
// source line of this log method and not the original caller
func (m *Mint) logInfof(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelInfo, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logErrorf(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logWarnf(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelWarn, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logDebugf(format string, args ...any) {
	if !m.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelDebug, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

// balance sums what's been issued minus what's been redeemed across every
// sat and msat keyset, in sat (msat keysets are converted down); keysets
// of a custom unit have no sat conversion and are left out. It's derived
// from the two ledger views rather than a dedicated running counter.
func (m *Mint) balance() (uint64, error) {
	issued, err := m.db.GetIssuedEcash()
	if err != nil {
		return 0, err
	}
	redeemed, err := m.db.GetRedeemedEcash()
	if err != nil {
		return 0, err
	}

	var balance uint64
	for id, amount := range issued {
		keyset, ok := m.keysets[id]
		if !ok {
			continue
		}
		sats, err := cashu.ConvertAmount(amount, keyset.Unit, cashu.Sat.String())
		if err != nil {
			continue
		}
		balance += sats
	}
	for id, amount := range redeemed {
		keyset, ok := m.keysets[id]
		if !ok {
			continue
		}
		sats, err := cashu.ConvertAmount(amount, keyset.Unit, cashu.Sat.String())
		if err != nil {
			continue
		}
		balance -= sats
	}
	return balance, nil
}

// RequestMintQuote will process a request to mint tokens
// and returns a mint quote or an error.
// The request to mint a token is explained in
// NUT-04 here: https://github.com/cashubtc/nuts/blob/main/04.md.
func (m *Mint) RequestMintQuote(method string, amount uint64, unit string, pubkey *secp256k1.PublicKey) (storage.MintQuote, error) {
	// only support bolt11
	if method != BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if _, err := cashu.UnitFromString(unit); err != nil {
		errmsg := fmt.Sprintf("unit '%v' not supported", unit)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	// check limits
	if m.limits.MintingSettings.MaxAmount > 0 {
		if amount > m.limits.MintingSettings.MaxAmount {
			return storage.MintQuote{}, cashu.MintAmountExceededErr
		}
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.balance()
		if err != nil {
			errmsg := fmt.Sprintf("could not get mint balance from db: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		if balance+amount > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MintingDisabled
		}
	}

	// get an invoice from the lightning backend
	m.logInfof("requesting invoice from lightning backend for %v sats", amount)
	invoice, err := m.requestInvoice(amount)
	if err != nil {
		errmsg := fmt.Sprintf("could not generate invoice: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating random quote id: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}
	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Unit:           unit,
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.RequestLookupId,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
		Pubkey:         pubkey,
	}

	err = m.db.SaveMintQuote(mintQuote)
	if err != nil {
		errmsg := fmt.Sprintf("error saving mint quote to db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	go m.checkInvoicePaid(context.Background(), mintQuote.Id)

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote.
// Used to check whether a mint quote has been paid.
func (m *Mint) GetMintQuoteState(method, quoteId string) (storage.MintQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, cashu.QuoteNotExistErr
	}

	// if previously unpaid, check if invoice has been paid
	if mintQuote.State == nut04.Unpaid {
		m.logDebugf("checking status of invoice with hash '%v'", mintQuote.PaymentHash)
		status, err := m.lightningClient.CheckIncomingPayment(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}

		if status.Settled {
			m.logInfof("mint quote '%v' with invoice payment hash '%v' was paid", mintQuote.Id, mintQuote.PaymentHash)
			if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid); err != nil {
				if !errors.Is(err, storage.ErrQuoteStateChanged) {
					errmsg := fmt.Sprintf("error updating mint quote in db: %v", err)
					return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
			}
			mintQuote.State = nut04.Paid
			m.publishMintQuote(mintQuote)
		}
	}

	return mintQuote, nil
}

// MintTokens verifies whether the mint quote with id has been paid and proceeds to
// sign the blindedMessages and return the BlindedSignatures if it was paid.
func (m *Mint) MintTokens(method, id string, blindedMessages cashu.BlindedMessages, signature string) (cashu.BlindedSignatures, error) {
	if method != BOLT11_METHOD {
		return nil, cashu.PaymentMethodNotSupportedErr
	}

	mintQuote, err := m.db.GetMintQuote(id)
	if err != nil {
		return nil, cashu.QuoteNotExistErr
	}

	// NUT-20: if the quote was requested with a locking pubkey, a valid
	// signature over the quote id and blinded messages is required.
	if mintQuote.Pubkey != nil {
		if len(signature) == 0 {
			return nil, cashu.MintQuoteInvalidSigErr
		}
		sigBytes, err := hex.DecodeString(signature)
		if err != nil {
			return nil, cashu.MintQuoteInvalidSigErr
		}
		sig, err := schnorr.ParseSignature(sigBytes)
		if err != nil {
			return nil, cashu.MintQuoteInvalidSigErr
		}
		if !nut20.VerifyMintQuoteSignature(sig, mintQuote.Id, blindedMessages, mintQuote.Pubkey) {
			return nil, cashu.MintQuoteInvalidSigErr
		}
	}

	var blindedSignatures cashu.BlindedSignatures

	invoicePaid := false
	if mintQuote.State == nut04.Unpaid {
		m.logDebugf("checking status of invoice with hash '%v'", mintQuote.PaymentHash)
		invoiceStatus, err := m.lightningClient.CheckIncomingPayment(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}
		if invoiceStatus.Settled {
			m.logInfof("mint quote '%v' with invoice payment hash '%v' was paid", mintQuote.Id, mintQuote.PaymentHash)
			invoicePaid = true
			if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid); err != nil {
				if !errors.Is(err, storage.ErrQuoteStateChanged) {
					errmsg := fmt.Sprintf("error updating mint quote state: %v", err)
					return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
			}
			mintQuote.State = nut04.Paid
		}
	} else {
		invoicePaid = true
	}

	if !invoicePaid {
		return nil, cashu.MintQuoteRequestNotPaid
	}

	if mintQuote.State == nut04.Issued {
		return nil, cashu.MintQuoteAlreadyIssued
	}

	blindedMessagesAmount, B_s, err := blindedMessages.TotalAmount()
	if err != nil {
		return nil, cashu.InvalidBlindedMessageAmount
	}

	// verify that amount from blinded messages together with whatever has
	// already been issued for this quote doesn't exceed the quote amount
	if mintQuote.IssuedAmount+blindedMessagesAmount > mintQuote.Amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		errmsg := fmt.Sprintf("error getting blind signatures from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	blindedSignatures, err = m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	if err := m.db.IncrementMintQuoteIssued(mintQuote.Id, blindedMessagesAmount); err != nil {
		errmsg := fmt.Sprintf("error updating issued amount: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	mintQuote.IssuedAmount += blindedMessagesAmount

	// mark quote as fully issued once every sat of the quote has been signed for
	if mintQuote.IssuedAmount >= mintQuote.Amount {
		if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Paid, nut04.Issued); err != nil {
			if !errors.Is(err, storage.ErrQuoteStateChanged) {
				errmsg := fmt.Sprintf("error updating mint quote state: %v", err)
				return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
		}
		mintQuote.State = nut04.Issued
	}
	m.publishMintQuote(mintQuote)

	return blindedSignatures, nil
}

// Swap will process a request to swap tokens.
// A swap requires a set of valid proofs and blinded messages.
// If valid, the mint will sign the blindedMessages and invalidate
// the proofs that were used as input.
// It returns the BlindedSignatures.
func (m *Mint) Swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	var proofsAmount uint64
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		proofsAmount += proof.Amount

		Y := crypto.HashToCurve([]byte(proof.Secret))
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	blindedMessagesAmount, B_s, err := blindedMessages.TotalAmount()
	if err != nil {
		return nil, cashu.InvalidBlindedMessageAmount
	}
	fees := m.TransactionFees(proofs)
	if proofsAmount-uint64(fees) < blindedMessagesAmount {
		return nil, cashu.InsufficientProofsAmount
	}

	if err := m.verifyProofs(proofs, Ys); err != nil {
		return nil, err
	}

	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		errmsg := fmt.Sprintf("error getting blind signatures from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	// if sig all, verify signatures in blinded messages
	if nut11.ProofsSigAll(proofs) {
		m.logDebugf("P2PK locked proofs have SIG_ALL flag. Verifying blinded messages")
		if err := verifyP2PKBlindedMessages(proofs, blindedMessages); err != nil {
			return nil, err
		}
	}

	// if verification complete, sign blinded messages
	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	// invalidate proofs after signing blinded messages
	err = m.db.SaveProofs(proofs)
	if err != nil {
		errmsg := fmt.Sprintf("error invalidating proofs. Could not save proofs to db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	m.publishProofsState(Ys, nut07.Spent)

	return blindedSignatures, nil
}

// RequestMeltQuote will process a request to melt tokens and return a MeltQuote.
// A melt is requested by a wallet to request the mint to pay an invoice.
func (m *Mint) RequestMeltQuote(method, request, unit string, options nut05.MeltOptions) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if _, err := cashu.UnitFromString(unit); err != nil {
		errmsg := fmt.Sprintf("unit '%v' not supported", unit)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}
	if _, ok := options.(nut05.MeltOptionsMPP); ok && !m.enableMPP {
		return storage.MeltQuote{}, cashu.BuildCashuError("MPP is not enabled on this mint", cashu.PaymentMethodErrCode)
	}

	var satAmount uint64
	var amountMsat uint64
	var isMpp bool
	paymentHash := ""

	switch opts := options.(type) {
	case nut05.MeltOptionsAmountless:
		// amountless invoice: the wallet tells us the amount to pay
		bolt11, err := decodepay.Decodepay(request)
		if err != nil {
			errmsg := fmt.Sprintf("invalid invoice: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.MeltQuoteErrCode)
		}
		if bolt11.MSatoshi != 0 {
			return storage.MeltQuote{}, cashu.BuildCashuError("invoice is not amountless", cashu.MeltQuoteErrCode)
		}
		paymentHash = bolt11.PaymentHash
		amountMsat = opts.AmountMsat
		satAmount = amountMsat / 1000

	default:
		bolt11, err := decodepay.Decodepay(request)
		if err != nil {
			errmsg := fmt.Sprintf("invalid invoice: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.MeltQuoteErrCode)
		}
		if bolt11.MSatoshi == 0 {
			return storage.MeltQuote{}, cashu.BuildCashuError("invoice has no amount", cashu.MeltQuoteErrCode)
		}
		paymentHash = bolt11.PaymentHash

		if mpp, ok := options.(nut05.MeltOptionsMPP); ok {
			isMpp = true
			amountMsat = mpp.AmountMsat
			satAmount = amountMsat / 1000
		} else {
			satAmount = uint64(bolt11.MSatoshi) / 1000
			amountMsat = uint64(bolt11.MSatoshi)
		}
	}

	// check melt limit
	if m.limits.MeltingSettings.MaxAmount > 0 {
		if satAmount > m.limits.MeltingSettings.MaxAmount {
			return storage.MeltQuote{}, cashu.MeltAmountExceededErr
		}
	}

	if existing, err := m.db.GetMeltQuoteByPaymentRequest(request); err == nil && existing != nil {
		if existing.State == nut05.Pending || existing.State == nut05.Paid {
			return storage.MeltQuote{}, cashu.BuildCashuError("melt quote already exists for this invoice", cashu.MeltQuoteErrCode)
		}
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating random quote id: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	// ask the backend what paying this invoice would cost, which also
	// gives back the request_lookup_id the payment will be tracked
	// under once it is attempted
	paymentQuote, err := m.lightningClient.GetPaymentQuote(request, amountMsat)
	if err != nil {
		errmsg := fmt.Sprintf("error getting payment quote from lightning backend: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}
	if paymentQuote.RequestLookupId != "" {
		paymentHash = paymentQuote.RequestLookupId
	}
	m.logInfof("got melt quote request for invoice of amount '%v'. Setting fee reserve to %v", satAmount, paymentQuote.FeeReserve)

	meltQuote := storage.MeltQuote{
		Id:             quoteId,
		Unit:           unit,
		InvoiceRequest: request,
		PaymentHash:    paymentHash,
		Amount:         satAmount,
		FeeReserve:     paymentQuote.FeeReserve,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
		IsMpp:          isMpp,
		AmountMsat:     amountMsat,
	}

	// check if a mint quote exists with the same invoice.
	// if mint quote exists with same invoice, it can be
	// settled internally so set the fee to 0
	mintQuote, err := m.db.GetMintQuoteByPaymentHash(paymentHash)
	if err == nil {
		m.logDebugf(`in melt quote request found mint quote with same invoice.
		Setting fee reserve to 0 because quotes can be settled internally.`)

		meltQuote.InvoiceRequest = mintQuote.PaymentRequest
		meltQuote.PaymentHash = mintQuote.PaymentHash
		meltQuote.FeeReserve = 0
	}

	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		errmsg := fmt.Sprintf("error saving melt quote to db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote.
// Used to check whether a melt quote has been paid.
func (m *Mint) GetMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}

	// if quote is pending, check with backend if status of payment has changed
	if meltQuote.State == nut05.Pending {
		m.logDebugf("checking status of payment with hash '%v' for melt quote '%v'",
			meltQuote.PaymentHash, meltQuote.Id)

		result, err := m.lightningClient.CheckOutgoingPayment(ctx, meltQuote.PaymentHash)
		if err != nil {
			m.logDebugf("CheckOutgoingPayment for quote '%v' returned error: %v", meltQuote.Id, err)
		}

		switch result.Status {
		case lightning.Paid:
			m.logInfof("payment %v succeded. setting melt quote '%v' to '%v' and invalidating proofs",
				meltQuote.PaymentHash, meltQuote.Id, nut05.Paid)
			meltQuote, err = m.finalizeMeltQuotePaid(meltQuote, result.PaymentProof)
			if err != nil {
				return storage.MeltQuote{}, err
			}
		case lightning.Failed:
			m.logInfof("payment %v failed. setting melt quote '%v' to '%s' and removing proofs from pending",
				meltQuote.PaymentHash, meltQuote.Id, nut05.Unpaid)
			meltQuote, err = m.rollbackMeltQuote(meltQuote)
			if err != nil {
				return storage.MeltQuote{}, err
			}
		case lightning.Pending:
			m.logInfof("payment '%v' melt for quote '%v' is pending", meltQuote.PaymentHash, meltQuote.Id)
			return meltQuote, nil
		case lightning.Unknown:
			m.logWarnf("could not determine outcome of payment '%v' for melt quote '%v'; leaving pending",
				meltQuote.PaymentHash, meltQuote.Id)
			return meltQuote, nil
		}
		m.publishMeltQuote(meltQuote)
	}

	return meltQuote, nil
}

// collectPendingProofsForQuote reads (without removing) the proofs
// reserved against a melt quote, and the Ys they're keyed by.
func (m *Mint) collectPendingProofsForQuote(quoteId string) (cashu.Proofs, []string, error) {
	dbproofs, err := m.db.GetPendingProofsByQuote(quoteId)
	if err != nil {
		return nil, nil, err
	}

	proofs := make(cashu.Proofs, len(dbproofs))
	Ys := make([]string, len(dbproofs))
	for i, dbproof := range dbproofs {
		Ys[i] = dbproof.Y
		proofs[i] = cashu.Proof{
			Amount: dbproof.Amount,
			Id:     dbproof.Id,
			Secret: dbproof.Secret,
			C:      dbproof.C,
		}
	}
	return proofs, Ys, nil
}

func (m *Mint) removePendingProofsForQuote(quoteId string) (cashu.Proofs, error) {
	proofs, Ys, err := m.collectPendingProofsForQuote(quoteId)
	if err != nil {
		return nil, err
	}
	if err := m.db.RemovePendingProofs(Ys); err != nil {
		return nil, err
	}
	return proofs, nil
}

// finalizeMeltQuotePaid settles a melt quote's reserved proofs as spent
// and advances the quote Pending -> Paid with preimage. Apart from
// settleQuotesInternally, which pays a melt quote off a mint quote for
// the same invoice, this is the one code path that performs that
// transition: the direct melt flow, GetMeltQuoteState's lazy poll, and
// the startup reconciler all call into it rather than duplicating the
// settle-then-transition sequence.
func (m *Mint) finalizeMeltQuotePaid(meltQuote storage.MeltQuote, preimage string) (storage.MeltQuote, error) {
	proofs, Ys, err := m.collectPendingProofsForQuote(meltQuote.Id)
	if err != nil {
		errmsg := fmt.Sprintf("error reading pending proofs for quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if err := m.settleProofs(Ys, proofs); err != nil {
		return storage.MeltQuote{}, err
	}
	if err := m.db.UpdateMeltQuoteState(meltQuote.Id, nut05.Pending, nut05.Paid, preimage); err != nil && !errors.Is(err, storage.ErrQuoteStateChanged) {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Paid
	meltQuote.Preimage = preimage
	return meltQuote, nil
}

// rollbackMeltQuote releases a melt quote's reserved proofs back to
// unspent and moves the quote Pending -> Unpaid. Shared by the direct
// melt flow, GetMeltQuoteState, and the startup reconciler.
func (m *Mint) rollbackMeltQuote(meltQuote storage.MeltQuote) (storage.MeltQuote, error) {
	if err := m.db.UpdateMeltQuoteState(meltQuote.Id, nut05.Pending, nut05.Unpaid, ""); err != nil && !errors.Is(err, storage.ErrQuoteStateChanged) {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Unpaid
	if _, err := m.removePendingProofsForQuote(meltQuote.Id); err != nil {
		errmsg := fmt.Sprintf("error removing pending proofs for quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	return meltQuote, nil
}

// MeltTokens verifies whether proofs provided are valid
// and proceeds to attempt payment. outputs, if provided, are blinded
// messages the mint signs as NUT-08 change (see signChange) for what the
// inputs hold beyond the amount, the input fee and the routing fee spent.
func (m *Mint) MeltTokens(ctx context.Context, method, quoteId string, proofs cashu.Proofs, outputs cashu.BlindedMessages) (storage.MeltQuote, cashu.BlindedSignatures, error) {
	var proofsAmount uint64
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		proofsAmount += proof.Amount
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, nil, cashu.PaymentMethodNotSupportedErr
	}

	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, nil, cashu.QuoteNotExistErr
	}
	if meltQuote.State == nut05.Paid {
		return storage.MeltQuote{}, nil, cashu.MeltQuoteAlreadyPaid
	}
	if meltQuote.State == nut05.Pending {
		return storage.MeltQuote{}, nil, cashu.MeltQuotePending
	}

	err = m.verifyProofs(proofs, Ys)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	fees := m.TransactionFees(proofs)
	// checks if amount in proofs is enough
	if proofsAmount < meltQuote.Amount+meltQuote.FeeReserve+uint64(fees) {
		return storage.MeltQuote{}, nil, cashu.InsufficientProofsAmount
	}

	if nut11.ProofsSigAll(proofs) {
		return storage.MeltQuote{}, nil, nut11.SigAllOnlySwap
	}

	m.logInfof("verified proofs in melt tokens request. Setting proofs as pending before attempting payment.")
	// set proofs as pending before trying to make payment
	err = m.db.AddPendingProofs(proofs, meltQuote.Id)
	if err != nil {
		errmsg := fmt.Sprintf("error setting proofs as pending in db: %v", err)
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if err := m.db.UpdateMeltQuoteState(meltQuote.Id, nut05.Unpaid, nut05.Pending, ""); err != nil && !errors.Is(err, storage.ErrQuoteStateChanged) {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Pending

	overpaid := proofsAmount - uint64(fees) - meltQuote.Amount

	// before asking backend to send payment, check if quotes can be settled
	// internally (i.e mint and melt quotes exist with the same invoice)
	mintQuote, err := m.db.GetMintQuoteByPaymentHash(meltQuote.PaymentHash)
	if err == nil {
		m.logDebugf("quotes '%v' and '%v' have same invoice so settling them internally", meltQuote.Id, mintQuote.Id)
		meltQuote, err = m.settleQuotesInternally(mintQuote, meltQuote)
		if err != nil {
			return storage.MeltQuote{}, nil, err
		}
		if err := m.settleProofs(Ys, proofs); err != nil {
			return storage.MeltQuote{}, nil, err
		}
		change, err := m.signChange(outputs, overpaid)
		if err != nil {
			m.logErrorf("error signing change outputs: %v", err)
		}
		m.publishMeltQuote(meltQuote)
		return meltQuote, change, nil
	}

	m.logInfof("attempting to pay invoice: %v", meltQuote.InvoiceRequest)
	// if quote can't be settled internally, ask backend to make payment
	var partialAmountMsat uint64
	if meltQuote.IsMpp {
		partialAmountMsat = meltQuote.AmountMsat
	}
	paymentResult, err := m.lightningClient.MakePayment(ctx, meltQuote.InvoiceRequest, partialAmountMsat, meltQuote.FeeReserve)
	if err != nil {
		m.logDebugf("MakePayment for quote '%v' returned error: %v. status reported as '%v'",
			meltQuote.Id, err, paymentResult.Status)
	}

	switch paymentResult.Status {
	case lightning.Paid:
		m.logInfof("succesfully paid invoice with hash '%v' for melt quote '%v'", meltQuote.PaymentHash, meltQuote.Id)
		meltQuote, err = m.finalizeMeltQuotePaid(meltQuote, paymentResult.PaymentProof)
		if err != nil {
			return storage.MeltQuote{}, nil, err
		}
		if paymentResult.TotalSpent > meltQuote.Amount {
			overpaid -= min(overpaid, paymentResult.TotalSpent-meltQuote.Amount)
		}
		change, err := m.signChange(outputs, overpaid)
		if err != nil {
			m.logErrorf("error signing change outputs: %v", err)
		}
		m.publishMeltQuote(meltQuote)
		return meltQuote, change, nil

	case lightning.Pending:
		// if payment is pending, leave quote and proofs as pending and return
		m.logInfof("outgoing payment for quote '%v' is pending.", meltQuote.Id)
		return meltQuote, nil, nil

	case lightning.Failed, lightning.Unknown:
		// MakePayment couldn't (or wouldn't) give a definite outcome;
		// re-check once via the dedicated outgoing-payment lookup before
		// rolling back, the same re-check the startup reconciler does
		// for quotes left Pending across a restart.
		checked, err := m.lightningClient.CheckOutgoingPayment(ctx, meltQuote.PaymentHash)
		if err != nil {
			m.logDebugf("CheckOutgoingPayment for quote '%v' returned error: %v", meltQuote.Id, err)
		}

		switch checked.Status {
		case lightning.Paid:
			m.logInfof("succesfully paid invoice with hash '%v' for melt quote '%v'", meltQuote.PaymentHash, meltQuote.Id)
			meltQuote, err = m.finalizeMeltQuotePaid(meltQuote, checked.PaymentProof)
			if err != nil {
				return storage.MeltQuote{}, nil, err
			}
			if checked.TotalSpent > meltQuote.Amount {
				overpaid -= min(overpaid, checked.TotalSpent-meltQuote.Amount)
			}
			change, changeErr := m.signChange(outputs, overpaid)
			if changeErr != nil {
				m.logErrorf("error signing change outputs: %v", changeErr)
			}
			m.publishMeltQuote(meltQuote)
			return meltQuote, change, nil

		case lightning.Pending, lightning.Unknown:
			return meltQuote, nil, nil

		default:
			m.logInfof("payment failed. Removing pending proofs and marking quote '%v' as '%v'",
				meltQuote.Id, nut05.Unpaid)
			meltQuote, err = m.rollbackMeltQuote(meltQuote)
			if err != nil {
				return storage.MeltQuote{}, nil, err
			}
			m.publishMeltQuote(meltQuote)
			return meltQuote, nil, nil
		}
	}

	return meltQuote, nil, nil
}

// signChange signs outputs (NUT-08) at the amounts the wallet gave them,
// largest first, skipping any output that would take the signed total past
// overpaid. It does not split overpaid into denominations or assign amounts
// to outputs; whatever the signed outputs do not cover stays with the mint.
func (m *Mint) signChange(outputs cashu.BlindedMessages, overpaid uint64) (cashu.BlindedSignatures, error) {
	if len(outputs) == 0 || overpaid == 0 {
		return nil, nil
	}

	ordered := make(cashu.BlindedMessages, len(outputs))
	copy(ordered, outputs)
	slices.SortFunc(ordered, func(a, b cashu.BlindedMessage) int {
		if a.Amount == b.Amount {
			return 0
		}
		if a.Amount > b.Amount {
			return -1
		}
		return 1
	})

	var toSign cashu.BlindedMessages
	var used uint64
	for _, bm := range ordered {
		if used+bm.Amount > overpaid {
			continue
		}
		toSign = append(toSign, bm)
		used += bm.Amount
	}
	if len(toSign) == 0 {
		return nil, nil
	}

	return m.signBlindedMessages(toSign)
}

// if a pair of mint and melt quotes have the same invoice,
// settle them internally and update in db
func (m *Mint) settleQuotesInternally(
	mintQuote storage.MintQuote,
	meltQuote storage.MeltQuote,
) (storage.MeltQuote, error) {
	// need to get the invoice from the backend first to get the preimage
	invoice, err := m.lightningClient.CheckIncomingPayment(mintQuote.PaymentHash)
	if err != nil {
		errmsg := fmt.Sprintf("error getting invoice status from lightning backend: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	if err := m.db.UpdateMeltQuoteState(meltQuote.Id, nut05.Pending, nut05.Paid, invoice.Preimage); err != nil && !errors.Is(err, storage.ErrQuoteStateChanged) {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Paid
	meltQuote.Preimage = invoice.Preimage

	// mark mint quote request as paid
	if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid); err != nil && !errors.Is(err, storage.ErrQuoteStateChanged) {
		errmsg := fmt.Sprintf("error updating mint quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return meltQuote, nil
}

// settleProofs will remove the proofs from the pending table
// and mark them as spent by adding them to the used proofs table
func (m *Mint) settleProofs(Ys []string, proofs cashu.Proofs) error {
	err := m.db.RemovePendingProofs(Ys)
	if err != nil {
		errmsg := fmt.Sprintf("error removing pending proofs: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	err = m.db.SaveProofs(proofs)
	if err != nil {
		errmsg := fmt.Sprintf("error invalidating proofs. Could not save proofs to db: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	m.publishProofsState(Ys, nut07.Spent)

	return nil
}

func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get used proofs from db: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get pending proofs from db: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent

		YSpent := slices.ContainsFunc(usedProofs, func(proof storage.DBProof) bool {
			return proof.Y == y
		})
		YPending := slices.ContainsFunc(pendingProofs, func(proof storage.DBProof) bool {
			return proof.Y == y
		})
		if YSpent {
			state = nut07.Spent
		} else if YPending {
			state = nut07.Pending
		}

		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}

	return proofStates, nil
}

func (m *Mint) RestoreSignatures(blindedMessages cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	outputs := make(cashu.BlindedMessages, 0, len(blindedMessages))
	signatures := make(cashu.BlindedSignatures, 0, len(blindedMessages))

	for _, bm := range blindedMessages {
		sig, err := m.db.GetBlindSignature(bm.B_)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		} else if err != nil {
			errmsg := fmt.Sprintf("could not get signature from db: %v", err)
			return nil, nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}

		outputs = append(outputs, bm)
		signatures = append(signatures, sig)
	}

	return outputs, signatures, nil
}

func (m *Mint) verifyProofs(proofs cashu.Proofs, Ys []string) error {
	if len(proofs) == 0 {
		return cashu.NoProofsProvided
	}

	// check if proofs are either pending or already spent
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get pending proofs from db: %v", err)
			return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}
	if len(pendingProofs) != 0 {
		return cashu.ProofPendingErr
	}

	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get used proofs from db: %v", err)
			return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}
	if len(usedProofs) != 0 {
		return cashu.ProofAlreadyUsedErr
	}

	// check duplicte proofs
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateProofs
	}

	for _, proof := range proofs {
		// check that id in the proof matches id of any
		// of the mint's keyset
		var k *secp256k1.PrivateKey
		if keyset, ok := m.keysets[proof.Id]; !ok {
			return cashu.UnknownKeysetErr
		} else {
			if key, ok := keyset.Keys[proof.Amount]; ok {
				k = key.PrivateKey
			} else {
				return cashu.InvalidProofErr
			}
		}

		// if the secret carries a spending condition, verify it
		switch nut10.SecretType(proof) {
		case nut10.P2PK:
			m.logDebugf("verifying P2PK locked proof")
			if err := verifyP2PKLockedProof(proof); err != nil {
				return err
			}
		case nut10.HTLC:
			m.logDebugf("verifying HTLC locked proof")
			secret, err := nut10.DeserializeSecret(proof.Secret)
			if err != nil {
				return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
			}
			if err := nut14.VerifyHTLCProof(proof, secret); err != nil {
				return err
			}
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			errmsg := fmt.Sprintf("invalid C: %v", err)
			return cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}

		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		if !crypto.Verify(proof.Secret, k, C) {
			return cashu.InvalidProofErr
		}
	}
	return nil
}

func verifyP2PKLockedProof(proof cashu.Proof) error {
	p2pkWellKnownSecret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	var p2pkWitness nut11.P2PKWitness
	err = json.Unmarshal([]byte(proof.Witness), &p2pkWitness)
	if err != nil {
		p2pkWitness.Signatures = []string{}
	}

	p2pkTags, err := nut11.ParseP2PKTags(p2pkWellKnownSecret.Tags)
	if err != nil {
		return err
	}

	signaturesRequired := 1
	// if locktime is expired and there is no refund pubkey, treat as anyone can spend
	// if refund pubkey present, check signature
	if p2pkTags.Locktime > 0 && time.Now().Local().Unix() > p2pkTags.Locktime {
		if len(p2pkTags.Refund) == 0 {
			return nil
		} else {
			hash := sha256.Sum256([]byte(proof.Secret))
			if len(p2pkWitness.Signatures) < 1 {
				return nut11.InvalidWitness
			}
			if !nut11.HasValidSignatures(hash[:], p2pkWitness.Signatures, signaturesRequired, p2pkTags.Refund) {
				return nut11.NotEnoughSignaturesErr
			}
		}
	} else {
		pubkey, err := nut11.ParsePublicKey(p2pkWellKnownSecret.Data)
		if err != nil {
			return err
		}
		keys := []*btcec.PublicKey{pubkey}
		// message to sign
		hash := sha256.Sum256([]byte(proof.Secret))

		if p2pkTags.NSigs > 0 {
			signaturesRequired = p2pkTags.NSigs
			if len(p2pkTags.Pubkeys) == 0 {
				return nut11.EmptyPubkeysErr
			}
			keys = append(keys, p2pkTags.Pubkeys...)
		}

		if len(p2pkWitness.Signatures) < 1 {
			return nut11.InvalidWitness
		}
		if !nut11.HasValidSignatures(hash[:], p2pkWitness.Signatures, signaturesRequired, keys) {
			return nut11.NotEnoughSignaturesErr
		}
	}
	return nil
}

func verifyP2PKBlindedMessages(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) error {
	secret, err := nut10.DeserializeSecret(proofs[0].Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	pubkeys, err := nut11.PublicKeys(secret)
	if err != nil {
		return err
	}

	signaturesRequired := 1
	p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}
	if p2pkTags.NSigs > 0 {
		signaturesRequired = p2pkTags.NSigs
	}

	// Check that the conditions across all proofs are the same
	for _, proof := range proofs {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		// all flags need to be SIG_ALL
		if !nut11.IsSigAll(secret) {
			return nut11.AllSigAllFlagsErr
		}

		currentSignaturesRequired := 1
		p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
		if err != nil {
			return err
		}
		if p2pkTags.NSigs > 0 {
			currentSignaturesRequired = p2pkTags.NSigs
		}

		currentKeys, err := nut11.PublicKeys(secret)
		if err != nil {
			return err
		}

		// list of valid keys should be the same
		// across all proofs
		if !reflect.DeepEqual(pubkeys, currentKeys) {
			return nut11.SigAllKeysMustBeEqualErr
		}

		// all n_sigs must be same
		if signaturesRequired != currentSignaturesRequired {
			return nut11.NSigsMustBeEqualErr
		}
	}

	for _, bm := range blindedMessages {
		B_bytes, err := hex.DecodeString(bm.B_)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		hash := sha256.Sum256(B_bytes)

		var witness nut11.P2PKWitness
		err = json.Unmarshal([]byte(bm.Witness), &witness)
		if err != nil || len(witness.Signatures) < 1 {
			return nut11.InvalidWitness
		}

		if !nut11.HasValidSignatures(hash[:], witness.Signatures, signaturesRequired, pubkeys) {
			return nut11.NotEnoughSignaturesErr
		}
	}

	return nil
}

// signBlindedMessages will sign the blindedMessages and
// return the blindedSignatures
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))
	B_s := make([]string, len(blindedMessages))

	for i, msg := range blindedMessages {
		if _, ok := m.keysets[msg.Id]; !ok {
			return nil, cashu.UnknownKeysetErr
		}
		var k *secp256k1.PrivateKey
		keyset, ok := m.keysets[msg.Id]
		if !ok || !keyset.Active {
			return nil, cashu.InactiveKeysetSignatureRequest
		}
		key, ok := keyset.Keys[msg.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}
		k = key.PrivateKey

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			errmsg := fmt.Sprintf("invalid B_: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}
		B_, err := btcec.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, k)
		C_hex := hex.EncodeToString(C_.SerializeCompressed())

		// DLEQ proof
		dleq, err := crypto.GenerateDLEQ(k, B_, C_)
		if err != nil {
			errmsg := fmt.Sprintf("error generating DLEQ proof: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}

		blindedSignature := cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     C_hex,
			Id:     keyset.Id,
			DLEQ:   dleq,
		}

		blindedSignatures[i] = blindedSignature
		B_s[i] = msg.B_
	}

	if err := m.db.SaveBlindSignatures(B_s, blindedSignatures); err != nil {
		errmsg := fmt.Sprintf("error saving blind signatures: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return blindedSignatures, nil
}

// requestInvoice requests an invoice from the Lightning backend
// for the given amount
func (m *Mint) requestInvoice(amount uint64) (*lightning.Invoice, error) {
	invoice, err := m.lightningClient.CreateIncomingInvoice(amount, "cashu mint quote", lightning.InvoiceExpiryTime)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (m *Mint) TransactionFees(inputs cashu.Proofs) uint {
	var fees uint = 0
	for _, proof := range inputs {
		// note: not checking that proof id is from valid keyset
		// because already doing that in call to verifyProofs
		fees += m.keysets[proof.Id].InputFeePpk
	}
	return (fees + 999) / 1000
}

// overflowAddUint64 returns a+b, or math.MaxUint64 and true if the sum overflows.
func overflowAddUint64(a, b uint64) (uint64, bool) {
	if a > ^uint64(0)-b {
		return ^uint64(0), true
	}
	return a + b, false
}

// underflowSubUint64 returns a-b, or 0 and true if b is larger than a.
func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}

func (m *Mint) GetActiveKeyset() crypto.MintKeyset {
	var keyset crypto.MintKeyset
	for _, k := range m.activeKeysets {
		keyset = k
		break
	}
	return keyset
}

func (m *Mint) GetActiveKeysets() map[string]crypto.MintKeyset {
	return m.activeKeysets
}

func (m *Mint) GetKeysetById(id string) (crypto.MintKeyset, bool) {
	keyset, ok := m.keysets[id]
	return keyset, ok
}

func (m *Mint) ListKeysets() nut02.GetKeysetsResponse {
	keysets := make([]nut02.Keyset, 0, len(m.keysets))
	for _, keyset := range m.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	return nut02.GetKeysetsResponse{Keysets: keysets}
}

func (m *Mint) IssuedEcash() (map[string]uint64, error) {
	return m.db.GetIssuedEcash()
}

func (m *Mint) RedeemedEcash() (map[string]uint64, error) {
	return m.db.GetRedeemedEcash()
}

// RotateKeyset deactivates the current active keyset for unit and
// activates a freshly derived one with the given input fee, at the next
// derivation index for that unit.
func (m *Mint) RotateKeyset(unit cashu.Unit, inputFeePpk uint) (crypto.MintKeyset, error) {
	seed, err := m.db.GetSeed()
	if err != nil {
		return crypto.MintKeyset{}, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return crypto.MintKeyset{}, err
	}

	var nextIdx uint32
	current, hasActive := m.activeKeysets[unit.String()]
	if hasActive {
		nextIdx = current.DerivationPathIdx + 1
	}

	newKeyset, err := crypto.GenerateKeyset(master, unit, nextIdx, inputFeePpk)
	if err != nil {
		return crypto.MintKeyset{}, err
	}

	if hasActive {
		current.Active = false
		if err := m.db.UpdateKeysetActive(current.Id, false); err != nil {
			return crypto.MintKeyset{}, err
		}
		m.keysets[current.Id] = current
	}

	hexseed := hex.EncodeToString(seed)
	if err := m.db.SaveKeyset(storage.DBKeyset{
		Id:                newKeyset.Id,
		Unit:              newKeyset.Unit,
		Active:            true,
		Seed:              hexseed,
		DerivationPathIdx: newKeyset.DerivationPathIdx,
		InputFeePpk:       newKeyset.InputFeePpk,
	}); err != nil {
		return crypto.MintKeyset{}, err
	}

	m.keysets[newKeyset.Id] = *newKeyset
	m.activeKeysets[unit.String()] = *newKeyset
	m.logInfof("rotated keyset for unit '%v': new active keyset '%v' with fee %v", unit.String(), newKeyset.Id, inputFeePpk)

	return *newKeyset, nil
}

func (m *Mint) SetMintInfo(mintInfo MintInfo) {
	methods := make([]nut06.MethodSetting, 0, len(m.activeKeysets))
	meltMethods := make([]nut06.MethodSetting, 0, len(m.activeKeysets))
	for unit := range m.activeKeysets {
		methods = append(methods, nut06.MethodSetting{
			Method:    BOLT11_METHOD,
			Unit:      unit,
			MinAmount: m.limits.MintingSettings.MinAmount,
			MaxAmount: m.limits.MintingSettings.MaxAmount,
		})
		meltMethods = append(meltMethods, nut06.MethodSetting{
			Method:    BOLT11_METHOD,
			Unit:      unit,
			MinAmount: m.limits.MeltingSettings.MinAmount,
			MaxAmount: m.limits.MeltingSettings.MaxAmount,
		})
	}

	nuts := nut06.NutsMap{
		4: nut06.NutSetting{
			Methods:  methods,
			Disabled: false,
		},
		5: nut06.NutSetting{
			Methods:  meltMethods,
			Disabled: false,
		},
		7:  map[string]bool{"supported": true},
		8:  map[string]bool{"supported": true},
		9:  map[string]bool{"supported": true},
		10: map[string]bool{"supported": true},
		11: map[string]bool{"supported": true},
		12: map[string]bool{"supported": true},
		14: map[string]bool{"supported": true},
		15: map[string]bool{"supported": m.enableMPP},
		20: map[string]bool{"supported": true},
	}

	info := nut06.MintInfo{
		Name:            mintInfo.Name,
		Version:         "gonuts/0.2.0",
		Description:     mintInfo.Description,
		LongDescription: mintInfo.LongDescription,
		Contact:         mintInfo.Contact,
		Motd:            mintInfo.Motd,
		Nuts:            nuts,
	}
	m.mintInfo = info
}

func (m *Mint) RetrieveMintInfo() (nut06.MintInfo, error) {
	seed, err := m.db.GetSeed()
	if err != nil {
		return nut06.MintInfo{}, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nut06.MintInfo{}, err
	}
	publicKey, err := master.ECPubKey()
	if err != nil {
		return nut06.MintInfo{}, err
	}

	mintingDisabled := false
	mintBalance, err := m.balance()
	if err != nil {
		errmsg := fmt.Sprintf("error getting mint balance: %v", err)
		return nut06.MintInfo{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	if m.limits.MaxBalance > 0 {
		if mintBalance >= m.limits.MaxBalance {
			mintingDisabled = true
		}
	}
	m.mintInfo.Nuts.SetDisabled(4, mintingDisabled)
	m.mintInfo.Pubkey = hex.EncodeToString(publicKey.SerializeCompressed())

	return m.mintInfo, nil
}

func (m *Mint) publishMintQuote(quote storage.MintQuote) {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return
	}
	m.publisher.Publish(BOLT11_MINT_QUOTE_TOPIC, jsonQuote)
}

func (m *Mint) publishMeltQuote(quote storage.MeltQuote) {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return
	}
	m.publisher.Publish(BOLT11_MELT_QUOTE_TOPIC, jsonQuote)
}

func (m *Mint) publishProofsState(Ys []string, state nut07.State) {
	for _, y := range Ys {
		proofState := nut07.ProofState{Y: y, State: state}
		jsonState, err := json.Marshal(proofState)
		if err != nil {
			continue
		}
		m.publisher.Publish(PROOF_STATE_TOPIC, jsonState)
	}
}
