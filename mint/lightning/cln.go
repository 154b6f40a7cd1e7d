package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

type CLNConfig struct {
	RestURL string
	Rune    string
}

// CLNClient speaks Core Lightning's commando REST plugin. It is the
// payment port's production backend for nodes that expose CLN rather
// than lnd.
type CLNClient struct {
	config CLNConfig
	client *http.Client
}

type clnErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func SetupCLNClient(config CLNConfig) (*CLNClient, error) {
	return &CLNClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (cln *CLNClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cln.config.RestURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := cln.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errRes clnErrorResponse
		if err := json.Unmarshal(bodyBytes, &errRes); err != nil {
			return nil, fmt.Errorf("cln request to %v failed with status %v", path, resp.StatusCode)
		}
		return nil, errors.New(errRes.Message)
	}

	return bodyBytes, nil
}

func (cln *CLNClient) ConnectionStatus() error {
	_, err := cln.post(context.Background(), "/v1/getinfo", nil)
	return err
}

func (cln *CLNClient) CreateIncomingInvoice(amount uint64, description string, expiry uint64) (Invoice, error) {
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixMicro()), uint64(time.Now().UnixMilli())))
	if description == "" {
		description = "Cashu mint invoice"
	}

	body := map[string]interface{}{
		"amount_msat": amount * 1000,
		"label":       time.Now().Unix() + int64(r.Int()),
		"description": description,
		"expiry":      expiry,
	}

	bodyBytes, err := cln.post(context.Background(), "/v1/invoice", body)
	if err != nil {
		return Invoice{}, err
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest:  response.Bolt11,
		RequestLookupId: response.PaymentHash,
		Amount:          amount,
		Expiry:          uint64(time.Now().Unix()) + expiry,
	}, nil
}

func (cln *CLNClient) lookupInvoice(requestLookupId string) (Invoice, error) {
	body := map[string]string{"payment_hash": requestLookupId}

	bodyBytes, err := cln.post(context.Background(), "/v1/listinvoices", body)
	if err != nil {
		return Invoice{}, err
	}

	var response struct {
		Invoices []struct {
			Bolt11      string `json:"bolt11"`
			PaymentHash string `json:"payment_hash"`
			Preimage    string `json:"payment_preimage"`
			AmountMsat  uint64 `json:"amount_msat"`
			Status      string `json:"status"`
			ExpiresAt   int64  `json:"expires_at"`
			Label       string `json:"label"`
		} `json:"invoices"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return Invoice{}, err
	}
	if len(response.Invoices) == 0 {
		return Invoice{}, errors.New("invoice not found")
	}

	invoice := response.Invoices[0]
	return Invoice{
		PaymentRequest:  invoice.Bolt11,
		RequestLookupId: invoice.PaymentHash,
		Preimage:        invoice.Preimage,
		Settled:         invoice.Status == "paid",
		Amount:          invoice.AmountMsat / 1000,
		Expiry:          uint64(invoice.ExpiresAt),
	}, nil
}

func (cln *CLNClient) CheckIncomingPayment(requestLookupId string) (Invoice, error) {
	return cln.lookupInvoice(requestLookupId)
}

func (cln *CLNClient) GetPaymentQuote(request string, amountMsat uint64) (PaymentQuote, error) {
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
		FeeReserve:      uint64(math.Ceil(float64(amount) * FeePercent / 100)),
		RequestLookupId: bolt11.PaymentHash,
	}, nil
}

func classifyCLNPayStatus(status string) PaymentStatus {
	switch status {
	case "complete":
		return Paid
	case "pending":
		return Pending
	case "failed":
		return Failed
	default:
		return Unknown
	}
}

func (cln *CLNClient) pay(ctx context.Context, body map[string]interface{}) (PaymentResult, error) {
	bodyBytes, err := cln.post(ctx, "/v1/pay", body)
	if err != nil {
		return PaymentResult{Status: Unknown}, err
	}

	var response struct {
		PaymentHash string `json:"payment_hash"`
		Preimage    string `json:"payment_preimage"`
		AmountSent  uint64 `json:"amount_sent_msat"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return PaymentResult{Status: Unknown}, fmt.Errorf("failed to parse response: %w", err)
	}

	status := classifyCLNPayStatus(response.Status)
	result := PaymentResult{
		Status:          status,
		TotalSpent:      response.AmountSent / 1000,
		PaymentLookupId: response.PaymentHash,
	}
	if status == Paid {
		result.PaymentProof = response.Preimage
	}
	return result, nil
}

func (cln *CLNClient) MakePayment(ctx context.Context, request string, partialAmountMsat, maxFee uint64) (PaymentResult, error) {
	body := map[string]interface{}{
		"bolt11": request,
		"maxfee": maxFee * 1000,
	}
	if partialAmountMsat > 0 {
		body["partial_msat"] = partialAmountMsat
		body["retry_for"] = 30
	}
	return cln.pay(ctx, body)
}

func (cln *CLNClient) CheckOutgoingPayment(ctx context.Context, requestLookupId string) (PaymentResult, error) {
	body := map[string]string{"payment_hash": requestLookupId}
	bodyBytes, err := cln.post(ctx, "/v1/listpays", body)
	if err != nil {
		return PaymentResult{Status: Unknown}, err
	}

	var listPaysResponse struct {
		Pays []struct {
			PaymentHash     string `json:"payment_hash"`
			Status          string `json:"status"`
			PaymentPreimage string `json:"preimage,omitempty"`
			AmountSentMsat  uint64 `json:"amount_sent_msat,omitempty"`
		} `json:"pays"`
	}
	if err := json.Unmarshal(bodyBytes, &listPaysResponse); err != nil {
		return PaymentResult{Status: Unknown}, err
	}
	if len(listPaysResponse.Pays) == 0 {
		return PaymentResult{Status: Unknown}, ErrPaymentNotFound
	}

	payment := listPaysResponse.Pays[0]
	switch payment.Status {
	case "complete":
		return PaymentResult{
			Status:          Paid,
			TotalSpent:      payment.AmountSentMsat / 1000,
			PaymentProof:    payment.PaymentPreimage,
			PaymentLookupId: payment.PaymentHash,
		}, nil
	case "failed":
		return PaymentResult{Status: Failed, PaymentLookupId: payment.PaymentHash}, nil
	default:
		return PaymentResult{Status: Pending, PaymentLookupId: payment.PaymentHash}, nil
	}
}

func (cln *CLNClient) WaitIncomingPayments(ctx context.Context, requestLookupId string) (IncomingPaymentSubscription, error) {
	invoice, err := cln.lookupInvoice(requestLookupId)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"payment_hash": requestLookupId}
	bodyBytes, err := cln.post(context.Background(), "/v1/listinvoices", body)
	if err != nil {
		return nil, err
	}
	var response struct {
		Invoices []struct {
			Label string `json:"label"`
		} `json:"invoices"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return nil, err
	}
	if len(response.Invoices) == 0 {
		return nil, errors.New("invoice not found")
	}

	return &clnIncomingSub{
		client:          &CLNClient{config: cln.config, client: &http.Client{}},
		ctx:             ctx,
		requestLookupId: invoice.RequestLookupId,
		invoiceLabel:    response.Invoices[0].Label,
	}, nil
}

type clnIncomingSub struct {
	client          *CLNClient
	ctx             context.Context
	requestLookupId string
	invoiceLabel    string
}

// Recv blocks on CLN's waitinvoice, which itself blocks server-side
// until the invoice settles or expires.
func (sub *clnIncomingSub) Recv() (Invoice, error) {
	body := map[string]string{"label": sub.invoiceLabel}

	bodyBytes, err := sub.client.post(sub.ctx, "/v1/waitinvoice", body)
	if err != nil {
		return Invoice{}, err
	}

	var response struct {
		Status      string `json:"status"`
		PaymentHash string `json:"payment_hash"`
		Preimage    string `json:"payment_preimage"`
		AmountMsat  uint64 `json:"amount_msat"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return Invoice{}, err
	}

	inv := Invoice{
		RequestLookupId: response.PaymentHash,
		Amount:          response.AmountMsat / 1000,
	}
	if response.Status == "paid" {
		inv.Settled = true
		inv.Preimage = response.Preimage
	}
	return inv, nil
}
