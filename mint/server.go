package mint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/chaumian/mint/cashu"
	"github.com/chaumian/mint/cashu/nuts/nut01"
	"github.com/chaumian/mint/cashu/nuts/nut03"
	"github.com/chaumian/mint/cashu/nuts/nut04"
	"github.com/chaumian/mint/cashu/nuts/nut05"
	"github.com/chaumian/mint/cashu/nuts/nut07"
	"github.com/chaumian/mint/cashu/nuts/nut09"
	"github.com/chaumian/mint/mint/storage"
	"github.com/gorilla/mux"
)

const bolt11 = "bolt11"

// ServerConfig configures the mint's HTTP surface. MeltTimeout bounds how
// long a /v1/melt/bolt11 request waits on the lightning backend before
// returning the quote in its current (possibly still pending) state.
type ServerConfig struct {
	Port        uint
	MeltTimeout time.Duration
}

// MintServer exposes a Mint over the NUT HTTP API.
type MintServer struct {
	mint       *Mint
	wsManager  *WebsocketManager
	httpServer *http.Server
	config     ServerConfig
}

func SetupMintServer(mint *Mint, config ServerConfig) (*MintServer, error) {
	if config.Port == 0 {
		config.Port = 3338
	}
	if config.MeltTimeout == 0 {
		config.MeltTimeout = time.Second * 60
	}

	server := &MintServer{
		mint:      mint,
		wsManager: NewWebSocketManager(mint),
		config:    config,
	}
	server.setupHttpServer()
	return server, nil
}

func (ms *MintServer) Start() error {
	ms.mint.logInfof("mint server listening on port %v", ms.config.Port)
	err := ms.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ms *MintServer) Shutdown() error {
	if err := ms.wsManager.Shutdown(); err != nil {
		ms.mint.logErrorf("error shutting down websocket connections: %v", err)
	}
	return ms.httpServer.Shutdown(context.Background())
}

func (ms *MintServer) setupHttpServer() {
	r := mux.NewRouter()

	r.HandleFunc("/v1/info", ms.getMintInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys", ms.getActiveKeysets).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys/{id}", ms.getKeysetById).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keysets", ms.getKeysetsList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/swap", ms.swap).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/"+bolt11, ms.mintQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/"+bolt11+"/{quote_id}", ms.mintQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/"+bolt11, ms.mintTokens).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/"+bolt11, ms.meltQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/"+bolt11+"/{quote_id}", ms.meltQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/melt/"+bolt11, ms.meltTokens).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/checkstate", ms.checkState).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/restore", ms.restore).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/ws", ms.wsManager.serveWS)

	r.Use(setupHeaders)

	ms.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%v", ms.config.Port),
		Handler: r,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Credentials", "true")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(rw, req)
	})
}

func writeJson(rw http.ResponseWriter, v any) {
	response, err := json.Marshal(v)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Write(response)
}

// writeErr renders a mint error as the cashu.Error wire shape. Internal
// faults (db, lightning backend) get 500; everything else is a client error.
func writeErr(rw http.ResponseWriter, err error) {
	cashuErr, ok := err.(*cashu.Error)
	if !ok {
		cashuErr = cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	status := http.StatusBadRequest
	switch cashuErr.Code {
	case cashu.DBErrCode, cashu.LightningBackendErrCode, cashu.InternalErrCode:
		status = http.StatusInternalServerError
	}
	rw.WriteHeader(status)
	writeJson(rw, cashuErr)
}

func (ms *MintServer) getMintInfo(rw http.ResponseWriter, req *http.Request) {
	info, err := ms.mint.RetrieveMintInfo()
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, info)
}

func (ms *MintServer) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	keysets := make([]nut01.Keyset, 0, len(ms.mint.activeKeysets))
	for _, keyset := range ms.mint.activeKeysets {
		keysets = append(keysets, nut01.Keyset{
			Id:   keyset.Id,
			Unit: keyset.Unit,
			Keys: keyset.PublicKeys(),
		})
	}
	writeJson(rw, nut01.GetKeysResponse{Keysets: keysets})
}

func (ms *MintServer) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	keyset, ok := ms.mint.GetKeysetById(id)
	if !ok {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.UnknownKeysetErr)
		return
	}
	writeJson(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()},
	}})
}

func (ms *MintServer) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	writeJson(rw, ms.mint.ListKeysets())
}

func (ms *MintServer) swap(rw http.ResponseWriter, req *http.Request) {
	var swapRequest nut03.PostSwapRequest
	if err := json.NewDecoder(req.Body).Decode(&swapRequest); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.EmptyBodyErr)
		return
	}

	signatures, err := ms.mint.Swap(swapRequest.Inputs, swapRequest.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (ms *MintServer) mintQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut04.PostMintQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteRequest); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.EmptyBodyErr)
		return
	}

	var pubkey *secp256k1.PublicKey
	if len(quoteRequest.Pubkey) > 0 {
		keyBytes, err := hex.DecodeString(quoteRequest.Pubkey)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			writeJson(rw, cashu.BuildCashuError("invalid pubkey", cashu.StandardErrCode))
			return
		}
		parsed, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			writeJson(rw, cashu.BuildCashuError("invalid pubkey", cashu.StandardErrCode))
			return
		}
		pubkey = parsed
	}

	quote, err := ms.mint.RequestMintQuote(bolt11, quoteRequest.Amount, quoteRequest.Unit, pubkey)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, mintQuoteResponse(quote))
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	quoteId := mux.Vars(req)["quote_id"]
	quote, err := ms.mint.GetMintQuoteState(bolt11, quoteId)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, mintQuoteResponse(quote))
}

func (ms *MintServer) mintTokens(rw http.ResponseWriter, req *http.Request) {
	var mintRequest nut04.PostMintBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&mintRequest); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.EmptyBodyErr)
		return
	}

	signatures, err := ms.mint.MintTokens(bolt11, mintRequest.Quote, mintRequest.Outputs, mintRequest.Signature)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteRequest); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.EmptyBodyErr)
		return
	}

	quote, err := ms.mint.RequestMeltQuote(bolt11, quoteRequest.Request, quoteRequest.Unit, quoteRequest.Options)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, meltQuoteResponse(quote))
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	quoteId := mux.Vars(req)["quote_id"]

	ctx, cancel := context.WithTimeout(req.Context(), ms.config.MeltTimeout)
	defer cancel()

	quote, err := ms.mint.GetMeltQuoteState(ctx, bolt11, quoteId)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, meltQuoteResponse(quote))
}

func (ms *MintServer) meltTokens(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltRequest); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.EmptyBodyErr)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), ms.config.MeltTimeout)
	defer cancel()

	quote, change, err := ms.mint.MeltTokens(ctx, bolt11, meltRequest.Quote, meltRequest.Inputs, meltRequest.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}

	writeJson(rw, nut05.PostMeltBolt11Response{
		State:    quote.State.String(),
		Preimage: quote.Preimage,
		Change:   change,
	})
}

func (ms *MintServer) checkState(rw http.ResponseWriter, req *http.Request) {
	var checkStateRequest nut07.PostCheckStateRequest
	if err := json.NewDecoder(req.Body).Decode(&checkStateRequest); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.EmptyBodyErr)
		return
	}

	states, err := ms.mint.ProofsStateCheck(checkStateRequest.Ys)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, nut07.PostCheckStateResponse{States: states})
}

func (ms *MintServer) restore(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := json.NewDecoder(req.Body).Decode(&restoreRequest); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		writeJson(rw, cashu.EmptyBodyErr)
		return
	}

	outputs, signatures, err := ms.mint.RestoreSignatures(restoreRequest.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJson(rw, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

func mintQuoteResponse(quote storage.MintQuote) nut04.PostMintQuoteBolt11Response {
	response := nut04.PostMintQuoteBolt11Response{
		Quote:   quote.Id,
		Request: quote.PaymentRequest,
		State:   quote.State.String(),
		Expiry:  int64(quote.Expiry),
	}
	if quote.Pubkey != nil {
		response.Pubkey = hex.EncodeToString(quote.Pubkey.SerializeCompressed())
	}
	return response
}

func meltQuoteResponse(quote storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		State:      quote.State.String(),
		Expiry:     int64(quote.Expiry),
	}
}
