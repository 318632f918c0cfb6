package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"rampledger/internal/config"
	"rampledger/internal/ledger"
	"rampledger/internal/policy"
	"rampledger/internal/proof"
)

const maxBodyBytes = 1 << 20

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) parseAmount(field, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: %s is required", errBadRequest, field)
	}
	v, err := policy.ParseAmount(raw, s.cfg.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errBadRequest, field, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseHash(field, raw string) (common.Hash, error) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s %q is not a 32-byte hex value", errBadRequest, field, raw)
	}
	return common.BytesToHash(b), nil
}

func parseDepositID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: deposit id %q", errBadRequest, raw)
	}
	return id, nil
}

// identityRef names an off-chain identity either by its hash or by provider
// and account id.
type identityRef struct {
	Identity  string `json:"identity"`
	Provider  string `json:"provider"`
	AccountID string `json:"accountId"`
}

func (ref identityRef) resolve() (common.Hash, error) {
	if ref.Identity != "" {
		return parseHash("identity", ref.Identity)
	}
	if ref.Provider == "" || strings.TrimSpace(ref.AccountID) == "" {
		return common.Hash{}, fmt.Errorf("%w: identity or provider and accountId required", errBadRequest)
	}
	kind, err := proof.ParseKind(ref.Provider)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return proof.IdentityHash(kind, ref.AccountID), nil
}

// Accounts

type proofRequest struct {
	Proof proof.Proof `json:"proof"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "register", 0, nil, err)
		return
	}
	rec, err := s.ledger.Register(r.Context(), callerFrom(r), req.Proof)
	if err != nil {
		if errors.Is(err, proof.ErrRejected) {
			s.metrics.incRejection(proof.Reason(err))
		}
		s.respond(w, r, "register", 0, nil, err)
		return
	}
	s.respond(w, r, "register", http.StatusCreated, accountViewOf(rec), nil)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.GetAccount(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountViewOf(rec))
}

func (s *Server) handleDenylistAdd(w http.ResponseWriter, r *http.Request) {
	var ref identityRef
	if err := decode(r, &ref); err != nil {
		s.respond(w, r, "denylist_add", 0, nil, err)
		return
	}
	id, err := ref.resolve()
	if err == nil {
		err = s.ledger.AddToDenylist(r.Context(), callerFrom(r), id)
	}
	s.respond(w, r, "denylist_add", http.StatusOK, map[string]string{"denied": id.Hex()}, err)
}

func (s *Server) handleDenylistRemove(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("identity", chi.URLParam(r, "identity"))
	if err == nil {
		err = s.ledger.RemoveFromDenylist(r.Context(), callerFrom(r), id)
	}
	s.respond(w, r, "denylist_remove", http.StatusOK, map[string]string{"allowed": id.Hex()}, err)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.Hex(),
		"balance": s.amount(s.ledger.Balance(addr)),
	})
}

// Deposits

type createDepositRequest struct {
	// Identity defaults to the caller's registered identity.
	identityRef
	Amount string `json:"amount"`
	Rate   string `json:"rate"`
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	const op = "create_deposit"
	caller := callerFrom(r)

	var req createDepositRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	amount, err := s.parseAmount("amount", req.Amount)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	rate, err := policy.ParseRate(orDefault(req.Rate, "1"))
	if err != nil {
		s.respond(w, r, op, 0, nil, fmt.Errorf("%w: rate: %v", errBadRequest, err))
		return
	}

	var identity common.Hash
	if req.Identity == "" && req.Provider == "" {
		rec, err := s.ledger.GetAccount(caller)
		if err != nil {
			s.respond(w, r, op, 0, nil, ledger.ErrNotRegistered)
			return
		}
		identity = rec.IdentityHash
	} else if identity, err = req.identityRef.resolve(); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}

	id, err := s.ledger.CreateDeposit(r.Context(), caller, identity, amount, rate)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	d, err := s.ledger.GetDeposit(id)
	s.respond(w, r, op, http.StatusCreated, s.depositView(d), err)
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	var owner common.Address
	if raw := r.URL.Query().Get("owner"); raw != "" {
		var err error
		if owner, err = parseAddress("owner", raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	deps := s.ledger.ListDeposits(owner)
	out := make([]depositView, len(deps))
	for i, d := range deps {
		out[i] = s.depositView(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": out})
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := parseDepositID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.ledger.GetDeposit(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.depositView(d))
}

type withdrawRequest struct {
	DepositID string `json:"depositId,omitempty"`
	// Amount is optional; empty withdraws everything withdrawable.
	Amount string `json:"amount,omitempty"`
}

func (s *Server) toWithdraw(id uint64, raw string) (ledger.WithdrawRequest, error) {
	req := ledger.WithdrawRequest{DepositID: id}
	if strings.TrimSpace(raw) != "" {
		amt, err := s.parseAmount("amount", raw)
		if err != nil {
			return req, err
		}
		req.Amount = amt
	}
	return req, nil
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	const op = "withdraw"
	id, err := parseDepositID(chi.URLParam(r, "id"))
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	var body withdrawRequest
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.respond(w, r, op, 0, nil, err)
			return
		}
	}
	req, err := s.toWithdraw(id, body.Amount)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	paid, err := s.ledger.WithdrawDeposit(r.Context(), callerFrom(r), id, req.Amount)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	s.respond(w, r, op, http.StatusOK, map[string]string{"withdrawn": s.amount(paid)}, nil)
}

func (s *Server) handleWithdrawBatch(w http.ResponseWriter, r *http.Request) {
	const op = "withdraw"
	var body struct {
		Requests []withdrawRequest `json:"requests"`
	}
	if err := decode(r, &body); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	if len(body.Requests) == 0 {
		s.respond(w, r, op, 0, nil, fmt.Errorf("%w: no deposits listed", errBadRequest))
		return
	}
	reqs := make([]ledger.WithdrawRequest, 0, len(body.Requests))
	for _, wr := range body.Requests {
		id, err := parseDepositID(wr.DepositID)
		if err != nil {
			s.respond(w, r, op, 0, nil, err)
			return
		}
		req, err := s.toWithdraw(id, wr.Amount)
		if err != nil {
			s.respond(w, r, op, 0, nil, err)
			return
		}
		reqs = append(reqs, req)
	}
	paid, err := s.ledger.WithdrawDeposits(r.Context(), callerFrom(r), reqs)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	s.respond(w, r, op, http.StatusOK, map[string]string{"withdrawn": s.amount(paid)}, nil)
}

// Intents

type signalRequest struct {
	DepositID string `json:"depositId"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

func (s *Server) handleSignalIntent(w http.ResponseWriter, r *http.Request) {
	const op = "signal_intent"
	var req signalRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	depositID, err := parseDepositID(req.DepositID)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	amount, err := s.parseAmount("amount", req.Amount)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	var recipient common.Address
	if req.Recipient != "" {
		if recipient, err = parseAddress("recipient", req.Recipient); err != nil {
			s.respond(w, r, op, 0, nil, err)
			return
		}
	}

	id, err := s.ledger.SignalIntent(r.Context(), callerFrom(r), depositID, amount, recipient)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	in, err := s.ledger.GetIntent(id)
	s.respond(w, r, op, http.StatusCreated, s.intentView(in), err)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("intent id", chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.ledger.GetIntent(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.intentView(in))
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("intent id", chi.URLParam(r, "id"))
	if err == nil {
		err = s.ledger.CancelIntent(r.Context(), callerFrom(r), id)
	}
	s.respond(w, r, "cancel_intent", http.StatusOK, map[string]string{"cancelled": id.Hex()}, err)
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	const op = "fulfill"
	id, err := parseHash("intent id", chi.URLParam(r, "id"))
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	var req proofRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}

	caller := callerFrom(r)
	rcpt, err := s.ledger.Fulfill(r.Context(), caller, id, req.Proof)
	if err != nil {
		if errors.Is(err, proof.ErrRejected) {
			reason := proof.Reason(err)
			s.metrics.incRejection(reason)
			s.rejections.write(rejectionEntry{
				Timestamp: time.Now().UTC(),
				RequestID: r.Header.Get(requestIDHeader),
				Caller:    caller.Hex(),
				IntentID:  id.Hex(),
				Reason:    reason,
				Error:     err.Error(),
				Proof:     req.Proof,
			})
			s.metrics.setRejectionLogDepth(s.rejections.depth())
		}
		s.respond(w, r, op, 0, nil, err)
		return
	}
	s.respond(w, r, op, http.StatusOK, s.receiptView(rcpt), nil)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("intent id", chi.URLParam(r, "id"))
	if err != nil {
		s.respond(w, r, "release", 0, nil, err)
		return
	}
	rcpt, err := s.ledger.ReleaseIntent(r.Context(), callerFrom(r), id)
	if err != nil {
		s.respond(w, r, "release", 0, nil, err)
		return
	}
	s.respond(w, r, "release", http.StatusOK, s.receiptView(rcpt), nil)
}

// Administration

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.paramsView(s.ledger.Params()))
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	const op = "update_params"
	var req config.LimitsFile
	if err := decode(r, &req); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	p, err := req.Params(s.cfg.TokenDecimals)
	if err != nil {
		s.respond(w, r, op, 0, nil, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.ledger.UpdateParams(r.Context(), callerFrom(r), p); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	s.respond(w, r, op, http.StatusOK, s.paramsView(s.ledger.Params()), nil)
}

type keyRequest struct {
	Provider string `json:"provider"`
	KeyHash  string `json:"keyHash,omitempty"`
	// Notary is a signer address; its key hash is derived when KeyHash is empty.
	Notary string `json:"notary,omitempty"`
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	const op = "add_key"
	var req keyRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	kind, err := proof.ParseKind(req.Provider)
	if err != nil {
		s.respond(w, r, op, 0, nil, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	var hash common.Hash
	switch {
	case req.KeyHash != "":
		hash, err = parseHash("keyHash", req.KeyHash)
	case req.Notary != "":
		var addr common.Address
		if addr, err = parseAddress("notary", req.Notary); err == nil {
			hash = proof.NotaryKeyHash(addr)
		}
	default:
		err = fmt.Errorf("%w: keyHash or notary required", errBadRequest)
	}
	if err == nil {
		err = s.keys.AddKeyHash(r.Context(), callerFrom(r), string(kind), hash)
	}
	s.respond(w, r, op, http.StatusCreated, map[string]string{"provider": string(kind), "keyHash": hash.Hex()}, err)
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	const op = "remove_key"
	kind, err := proof.ParseKind(chi.URLParam(r, "provider"))
	if err != nil {
		s.respond(w, r, op, 0, nil, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	hash, err := parseHash("keyHash", chi.URLParam(r, "hash"))
	if err == nil {
		err = s.keys.RemoveKeyHash(r.Context(), callerFrom(r), string(kind), hash)
	}
	s.respond(w, r, op, http.StatusOK, map[string]string{"provider": string(kind), "keyHash": hash.Hex()}, err)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	kind, err := proof.ParseKind(chi.URLParam(r, "provider"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	list, err := s.keys.KeyHashes(r.Context(), string(kind))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": string(kind), "keyHashes": hashes(list)})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	const op = "credit"
	var req struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	amount, err := s.parseAmount("amount", req.Amount)
	if err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	if err := s.ledger.Credit(r.Context(), callerFrom(r), to, amount); err != nil {
		s.respond(w, r, op, 0, nil, err)
		return
	}
	s.respond(w, r, op, http.StatusOK, map[string]string{
		"address": to.Hex(),
		"balance": s.amount(s.ledger.Balance(to)),
	}, nil)
}

func (s *Server) handleResetIdentity(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err == nil {
		err = s.ledger.ResetIdentity(r.Context(), callerFrom(r), addr)
	}
	s.respond(w, r, "reset_identity", http.StatusOK, map[string]string{"reset": addr.Hex()}, err)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
