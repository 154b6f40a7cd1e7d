package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	LND_HOST          = "LND_REST_HOST"
	LND_CERT_PATH     = "LND_CERT_PATH"
	LND_MACAROON_PATH = "LND_MACAROON_PATH"
)

// LndClient speaks lnd's REST gateway. It is the payment port's
// production backend for nodes that expose lnd rather than CLN.
type LndClient struct {
	host     string
	client   *http.Client
	macaroon string // hex encoded
}

func CreateLndClient() (*LndClient, error) {
	host := os.Getenv(LND_HOST)
	if host == "" {
		return nil, errors.New(LND_HOST + " cannot be empty")
	}
	certPath := os.Getenv(LND_CERT_PATH)
	if certPath == "" {
		return nil, errors.New(LND_CERT_PATH + " cannot be empty")
	}
	macaroonPath := os.Getenv(LND_MACAROON_PATH)
	if macaroonPath == "" {
		return nil, errors.New(LND_MACAROON_PATH + " cannot be empty")
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: %v", err)
	}
	macaroonHex := hex.EncodeToString(macaroonBytes)
	client, err := lndHTTPClient(certPath)
	if err != nil {
		return nil, fmt.Errorf("error creating lnd client: %v", err)
	}

	return &LndClient{host: host, client: client, macaroon: macaroonHex}, nil
}

func lndHTTPClient(tlsCert string) (*http.Client, error) {
	cert, err := os.ReadFile(tlsCert)
	if err != nil {
		return nil, fmt.Errorf("error reading cert: %v", err)
	}
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(cert)

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: certPool},
		},
	}, nil
}

func (lnd *LndClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lnd.host+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)
	return lnd.client.Do(req)
}

func (lnd *LndClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lnd.host+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)
	return lnd.client.Do(req)
}

func (lnd *LndClient) ConnectionStatus() error {
	resp, err := lnd.get(context.Background(), "/v1/getinfo")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("could not get connection status from lnd")
	}
	return nil
}

type addInvoiceResponse struct {
	Hash           string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

func (lnd *LndClient) CreateIncomingInvoice(amount uint64, description string, expiry uint64) (Invoice, error) {
	body := map[string]any{"value": amount, "memo": description, "expiry": expiry}

	resp, err := lnd.post(context.Background(), "/v1/invoices", body)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("unable to get invoice from lnd")
	}

	var res addInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	hashBytes, err := base64.StdEncoding.DecodeString(res.Hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("error decoding hash from lnd: %v", err)
	}

	return Invoice{
		PaymentRequest:  res.PaymentRequest,
		RequestLookupId: hex.EncodeToString(hashBytes),
		Amount:          amount,
		Expiry:          uint64(time.Now().Unix()) + expiry,
	}, nil
}

func (lnd *LndClient) CheckIncomingPayment(requestLookupId string) (Invoice, error) {
	hashBytes, err := hex.DecodeString(requestLookupId)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid request lookup id provided")
	}
	b64Hash := base64.URLEncoding.EncodeToString(hashBytes)

	resp, err := lnd.get(context.Background(), "/v2/invoices/lookup?payment_hash="+b64Hash)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("error getting invoice status")
	}

	var res struct {
		State      string `json:"state"`
		ValueMsat  string `json:"value_msat"`
		Preimage   string `json:"r_preimage"`
		PaymentReq string `json:"payment_request"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	amountMsat, _ := strconv.ParseUint(res.ValueMsat, 10, 64)
	preimageBytes, _ := base64.StdEncoding.DecodeString(res.Preimage)

	return Invoice{
		PaymentRequest:  res.PaymentReq,
		RequestLookupId: requestLookupId,
		Preimage:        hex.EncodeToString(preimageBytes),
		Settled:         res.State == "SETTLED",
		Amount:          amountMsat / 1000,
	}, nil
}

// WaitIncomingPayments polls CheckIncomingPayment instead of holding open
// lnd's streaming rpc, which the REST gateway does not expose the way
// the grpc one does.
func (lnd *LndClient) WaitIncomingPayments(ctx context.Context, requestLookupId string) (IncomingPaymentSubscription, error) {
	return &lndIncomingSub{lnd: lnd, requestLookupId: requestLookupId}, nil
}

type lndIncomingSub struct {
	lnd             *LndClient
	requestLookupId string
}

func (sub *lndIncomingSub) Recv() (Invoice, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		invoice, err := sub.lnd.CheckIncomingPayment(sub.requestLookupId)
		if err != nil {
			return Invoice{}, err
		}
		if invoice.Settled {
			return invoice, nil
		}
	}
	return Invoice{}, errors.New("subscription ended")
}

func (lnd *LndClient) GetPaymentQuote(request string, amountMsat uint64) (PaymentQuote, error) {
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentQuote{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	amount := uint64(bolt11.MSatoshi) / 1000
	if amount == 0 {
		amount = amountMsat / 1000
	}
	reserve := amount * FeePercent / 100
	if reserve == 0 {
		reserve = 1
	}

	return PaymentQuote{
		Amount:          amount,
		FeeReserve:      reserve,
		RequestLookupId: bolt11.PaymentHash,
	}, nil
}

type sendPaymentResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
	ValueSat        string `json:"value_sat"`
}

func (lnd *LndClient) MakePayment(ctx context.Context, request string, partialAmountMsat, maxFee uint64) (PaymentResult, error) {
	if partialAmountMsat > 0 {
		return PaymentResult{Status: Failed}, errors.New("lnd backend: multi-part payments not supported over REST")
	}

	body := map[string]any{
		"payment_request": request,
		"fee_limit_sat":   maxFee,
	}

	resp, err := lnd.post(ctx, "/v1/channels/transactions", body)
	if err != nil {
		return PaymentResult{Status: Unknown}, err
	}
	defer resp.Body.Close()

	var res sendPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentResult{Status: Unknown}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	if len(res.PaymentError) > 0 {
		return PaymentResult{Status: Failed, PaymentLookupId: res.PaymentHash}, fmt.Errorf("unable to make payment: %v", res.PaymentError)
	}

	spent, _ := strconv.ParseUint(res.ValueSat, 10, 64)
	return PaymentResult{
		Status:          Paid,
		TotalSpent:      spent,
		PaymentProof:    res.PaymentPreimage,
		PaymentLookupId: res.PaymentHash,
	}, nil
}

func (lnd *LndClient) CheckOutgoingPayment(ctx context.Context, requestLookupId string) (PaymentResult, error) {
	resp, err := lnd.get(ctx, "/v1/payments?include_incomplete=true")
	if err != nil {
		return PaymentResult{Status: Unknown}, err
	}
	defer resp.Body.Close()

	var res struct {
		Payments []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
			Preimage    string `json:"payment_preimage"`
			ValueSat    string `json:"value_sat"`
		} `json:"payments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentResult{Status: Unknown}, err
	}

	for _, p := range res.Payments {
		if p.PaymentHash != requestLookupId {
			continue
		}
		spent, _ := strconv.ParseUint(p.ValueSat, 10, 64)
		switch p.Status {
		case "SUCCEEDED":
			return PaymentResult{Status: Paid, TotalSpent: spent, PaymentProof: p.Preimage, PaymentLookupId: p.PaymentHash}, nil
		case "FAILED":
			return PaymentResult{Status: Failed, PaymentLookupId: p.PaymentHash}, nil
		default:
			return PaymentResult{Status: Pending, PaymentLookupId: p.PaymentHash}, nil
		}
	}

	return PaymentResult{Status: Unknown}, ErrPaymentNotFound
}
