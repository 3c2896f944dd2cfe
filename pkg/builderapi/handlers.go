// Copyright 2025 Certen Protocol
//
// Downstream RPC API for senders: submit a tx request, query the
// current proposal memo, and post a signature against it. One Handlers
// instance is mounted per builder lane (registration / non-registration).

package builderapi

import (
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certen/rollup-validator/pkg/blssig"
	"github.com/certen/rollup-validator/pkg/builder"
	"github.com/certen/rollup-validator/pkg/builderrors"
	"github.com/certen/rollup-validator/pkg/fee"
	"github.com/certen/rollup-validator/pkg/types"
)

// Handlers exposes one builder lane's intake/proposal/signature API
// over plain net/http.
type Handlers struct {
	b      *builder.Builder
	schedule fee.Schedule
	logger *log.Logger
}

// NewHandlers creates Handlers fronting b.
func NewHandlers(b *builder.Builder, schedule fee.Schedule, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[builderapi] ", log.LstdFlags)
	}
	return &Handlers{b: b, schedule: schedule, logger: logger}
}

type sendTxRequestBody struct {
	Sender        types.PublicKey `json:"sender"`
	TxHash        [32]byte        `json:"tx_hash"`
	FeeTokenIndex uint32          `json:"fee_token_index"`
	Nonce         uint32          `json:"nonce"`
	FeeAmount     string          `json:"fee_amount"`
	FeeNullifier  [32]byte        `json:"fee_nullifier"`

	// Collateral is optional: a pre-signed single-sender fallback block
	// this sender supplies so the builder can still post on their
	// behalf if the main round never collects their signature.
	Collateral *collateralBlockBody `json:"collateral,omitempty"`
}

type collateralBlockBody struct {
	BuilderAddress [20]byte  `json:"builder_address"`
	TxTreeRoot     [32]byte  `json:"tx_tree_root"`
	Expiry         time.Time `json:"expiry"`
	Sender         [96]byte  `json:"sender"`
	Signature      []byte    `json:"signature"`
	FeeTokenIndex  uint32    `json:"fee_token_index"`
	FeeAmount      string    `json:"fee_amount"`
	FeeNullifier   [32]byte  `json:"fee_nullifier"`
}

type sendTxRequestResponse struct {
	RequestID uuid.UUID `json:"request_id"`
}

// HandleSendTxRequest handles POST <lane prefix>/tx-requests.
func (h *Handlers) HandleSendTxRequest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body sendTxRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, ok := new(big.Int).SetString(body.FeeAmount, 10)
	if !ok {
		writeJSONError(w, "fee_amount must be a base-10 integer", http.StatusBadRequest)
		return
	}

	req := types.TxRequest{
		ID:     uuid.New(),
		Sender: body.Sender,
		Tx: types.Tx{
			TxHash:        body.TxHash,
			FeeTokenIndex: body.FeeTokenIndex,
			Nonce:         body.Nonce,
		},
		RequestedAt: time.Now(),
	}
	proof := fee.Proof{TokenIndex: body.FeeTokenIndex, Amount: amount, Nullifier: body.FeeNullifier}
	if body.Collateral != nil {
		collateralAmount, ok := new(big.Int).SetString(body.Collateral.FeeAmount, 10)
		if !ok {
			writeJSONError(w, "collateral fee_amount must be a base-10 integer", http.StatusBadRequest)
			return
		}
		proof.Collateral = &fee.CollateralBlock{
			BuilderAddress: body.Collateral.BuilderAddress,
			TxTreeRoot:     body.Collateral.TxTreeRoot,
			Expiry:         body.Collateral.Expiry,
			Sender:         body.Collateral.Sender,
			Signature:      body.Collateral.Signature,
			Proof: fee.Proof{
				TokenIndex: body.Collateral.FeeTokenIndex,
				Amount:     collateralAmount,
				Nullifier:  body.Collateral.FeeNullifier,
			},
		}
	}

	if err := h.b.SendTxRequest(r.Context(), req, proof); err != nil {
		writeErrForSendTxRequest(w, err)
		return
	}

	json.NewEncoder(w).Encode(sendTxRequestResponse{RequestID: req.ID})
}

func writeErrForSendTxRequest(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, builderrors.ErrNotAcceptingTx):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, builderrors.ErrBlockIsFull), errors.Is(err, builderrors.ErrOnlyOneSenderAllowed):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, builderrors.ErrInvalidFee), errors.Is(err, builderrors.ErrFeeVerification),
		errors.Is(err, builderrors.ErrInvalidSignature), errors.Is(err, builderrors.ErrSignatureVerification):
		writeJSONError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, builderrors.ErrAccountAlreadyRegistered), errors.Is(err, builderrors.ErrAccountNotFound):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, builderrors.ErrValidityProverNotSynced):
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleQueryProposal handles GET <lane prefix>/proposals/{request_id}.
func (h *Handlers) HandleQueryProposal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := parsePathID(r.URL.Path, "/proposals/")
	if err != nil {
		writeJSONError(w, "invalid request id", http.StatusBadRequest)
		return
	}

	memo, err := h.b.QueryProposal(id)
	if err != nil {
		if errors.Is(err, builderrors.ErrNotProposing) {
			writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		if errors.Is(err, builderrors.ErrTxRequestNotFound) {
			writeJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(memo)
}

type postSignatureBody struct {
	RequestID uuid.UUID `json:"request_id"`
	Signature []byte    `json:"signature"`
}

// HandlePostSignature handles POST <lane prefix>/signatures.
func (h *Handlers) HandlePostSignature(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body postSignatureBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sig, err := blssig.SignatureFromBytes(body.Signature)
	if err != nil {
		writeJSONError(w, "invalid signature encoding", http.StatusBadRequest)
		return
	}

	if err := h.b.PostSignature(body.RequestID, sig); err != nil {
		switch {
		case errors.Is(err, builderrors.ErrTxRequestNotFound):
			writeJSONError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, builderrors.ErrNotProposing):
			writeJSONError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, builderrors.ErrSignatureVerification), errors.Is(err, builderrors.ErrInvalidSignature):
			writeJSONError(w, err.Error(), http.StatusUnauthorized)
		default:
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleGetFeeInfo handles GET <lane prefix>/fee-info.
func (h *Handlers) HandleGetFeeInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	json.NewEncoder(w).Encode(h.schedule)
}

// parsePathID parses the segment after the last occurrence of marker
// in path, so it works under any lane prefix.
func parsePathID(path, marker string) (uuid.UUID, error) {
	i := strings.LastIndex(path, marker)
	if i < 0 || i+len(marker) == len(path) {
		return uuid.UUID{}, errors.New("missing path id")
	}
	return uuid.Parse(path[i+len(marker):])
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
