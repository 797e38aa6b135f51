package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	"github.com/angelmondragon/bookshop-backend/pkg/pix"
)

type pixAPI interface {
	CreateCharge(ctx context.Context, params pix.ChargeParams) (*pix.Charge, error)
	CancelCharge(ctx context.Context, txid string) (*pix.Charge, error)
}

// PixGateway creates immediate PIX charges keyed by txid.
type PixGateway struct {
	api     pixAPI
	matcher StatusMatcher
}

func NewPixGateway(api pixAPI, extraPaidStatuses []string) *PixGateway {
	return &PixGateway{
		api:     api,
		matcher: NewStatusMatcher(enums.PaymentMethodPix, extraPaidStatuses...),
	}
}

func (g *PixGateway) Method() enums.PaymentMethod { return enums.PaymentMethodPix }

func (g *PixGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	charge, err := g.api.CreateCharge(ctx, pix.ChargeParams{
		TxID:        pix.NewTxID(),
		AmountCents: req.AmountCents,
		ExpiresIn:   req.ExpiresIn,
		Description: req.Description,
	})
	if err != nil {
		return nil, pixError("create_charge", err)
	}
	return &Charge{Key: charge.TxID, QRCode: charge.CopyPaste, Status: charge.Status}, nil
}

func (g *PixGateway) CancelCharge(ctx context.Context, key string) (bool, error) {
	charge, err := g.api.CancelCharge(ctx, key)
	if err != nil {
		return false, pixError("cancel_charge", err)
	}
	return strings.EqualFold(charge.Status, pix.StatusRemovedByReceiver), nil
}

func (g *PixGateway) IsPaidStatus(raw string) bool {
	return g.matcher.IsPaid(raw)
}

func pixError(op string, err error) error {
	var apiErr *pix.APIError
	if errors.As(err, &apiErr) {
		return newGatewayError("pix", op, apiErr.StatusCode, apiErr.RetryAfter, err)
	}
	return newGatewayError("pix", op, 0, 0, err)
}

type pixTransferAPI interface {
	SendTransfer(ctx context.Context, params pix.TransferParams) (*pix.Transfer, error)
}

// TransferRequest is an outbound settlement to a payee key.
type TransferRequest struct {
	IdempotencyKey string
	AmountCents    int64
	PayeeKey       string
	Description    string
}

// TransferReceipt identifies an accepted transfer.
type TransferReceipt struct {
	ID     string
	Status string
}

// PixTransferer sends seller payouts over PIX.
type PixTransferer struct {
	api pixTransferAPI
}

func NewPixTransferer(api pixTransferAPI) *PixTransferer {
	return &PixTransferer{api: api}
}

func (t *PixTransferer) Send(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	transfer, err := t.api.SendTransfer(ctx, pix.TransferParams{
		IdempotencyKey: req.IdempotencyKey,
		AmountCents:    req.AmountCents,
		PayeeKey:       req.PayeeKey,
		Description:    req.Description,
	})
	if err != nil {
		return nil, pixError("send_transfer", err)
	}
	id := transfer.ID
	if id == "" {
		id = transfer.E2EID
	}
	return &TransferReceipt{ID: id, Status: transfer.Status}, nil
}
