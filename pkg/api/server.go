package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hashfill/hashfill/pkg/crypto"
	"github.com/hashfill/hashfill/pkg/p2p"
	"github.com/hashfill/hashfill/pkg/relay"
	"github.com/hashfill/hashfill/pkg/settle"
)

// Server exposes the settlement engine and relay over REST and WebSocket.
type Server struct {
	engine *settle.Engine
	relay  *relay.Relay
	net    *p2p.Net // nil = gossip disabled
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	txLog  *os.File // settlement log file, JSON lines
}

// ServerConfig collects the server's collaborators.
type ServerConfig struct {
	Engine    *settle.Engine
	Relay     *relay.Relay
	Net       *p2p.Net
	Logger    *zap.SugaredLogger
	TxLogPath string // "" disables the settlement log
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var txLog *os.File
	if cfg.TxLogPath != "" {
		var err error
		txLog, err = os.OpenFile(cfg.TxLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Warnw("tx_log_open_failed", "path", cfg.TxLogPath, "err", err)
			txLog = nil
		} else {
			log.Infow("tx_log_open", "path", cfg.TxLogPath)
		}
	}

	s := &Server{
		engine: cfg.Engine,
		relay:  cfg.Relay,
		net:    cfg.Net,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
		txLog:  txLog,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order relay
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/cancel/batch", s.handleCancelBatch).Methods("POST")
	api.HandleFunc("/orders/{commitment}", s.handleGetOrder).Methods("GET")

	// Settlement
	api.HandleFunc("/fills", s.handleFill).Methods("POST")
	api.HandleFunc("/fills/batch", s.handleFillBatch).Methods("POST")

	// Custody
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/balances/{owner}/{asset}", s.handleGetBalance).Methods("GET")

	// Read-only verification
	api.HandleFunc("/commitment", s.handleCommitment).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server and blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Order == nil {
		respondError(w, http.StatusBadRequest, "missing order", "")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}

	record, created, err := s.relay.CreateOrder(req.Order, sig)
	if err != nil {
		respondSettleError(w, err)
		return
	}

	if created {
		if s.net != nil {
			if err := s.net.BroadcastOrder(r.Context(), req.Order, sig); err != nil {
				s.log.Warnw("order_broadcast_failed", "commitment", record.Commitment.Hex(), "err", err)
			}
		}
		s.logTransaction("ORDER_SUBMIT", map[string]interface{}{
			"commitment": record.Commitment.Hex(),
			"maker":      req.Order.Maker.Hex(),
		})
	}

	status := "accepted"
	if !created {
		status = "duplicate"
	}
	respondJSON(w, SubmitOrderResponse{Status: status, Order: orderResponse(record)})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var f relay.Filter
	if maker := r.URL.Query().Get("maker"); maker != "" {
		if !common.IsHexAddress(maker) {
			respondError(w, http.StatusBadRequest, "invalid maker address", "")
			return
		}
		f.Maker = common.HexToAddress(maker)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		f.Status = relay.OrderStatus(status)
	}

	records := s.relay.List(f)
	out := make([]OrderResponse, len(records))
	for i, record := range records {
		out[i] = orderResponse(record)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["commitment"]
	if len(raw) != 2+2*common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid commitment", "")
		return
	}
	record, ok := s.relay.Get(common.HexToHash(raw))
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	respondJSON(w, orderResponse(record))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	commitment, err := s.cancelOne(req)
	if err != nil {
		respondSettleError(w, err)
		return
	}

	if s.net != nil {
		sig, _ := hexutil.Decode(req.Signature)
		if err := s.net.BroadcastCancel(r.Context(), req.Order, sig); err != nil {
			s.log.Warnw("cancel_broadcast_failed", "commitment", commitment.Hex(), "err", err)
		}
	}
	s.logTransaction("ORDER_CANCEL", map[string]interface{}{"commitment": commitment.Hex()})

	respondJSON(w, CancelResponse{Commitment: commitment.Hex(), Status: string(relay.StatusCancelled)})
}

// cancelOne authenticates one cancellation and applies it: the signature over
// the cancel digest must recover to the order's maker.
func (s *Server) cancelOne(req CancelOrderRequest) (common.Hash, error) {
	if req.Order == nil {
		return common.Hash{}, settle.ErrInvalidOrder
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return common.Hash{}, settle.ErrMalformedSignature
	}
	commitment, err := s.engine.Commitment(req.Order)
	if err != nil {
		return common.Hash{}, err
	}
	signer, err := crypto.RecoverAddress(settle.CancelDigest(commitment).Bytes(), sig)
	if err != nil {
		return common.Hash{}, settle.ErrMalformedSignature
	}
	return s.engine.CancelOrder(signer, req.Order)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	var req CancelBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Cancels) == 0 {
		respondError(w, http.StatusBadRequest, "empty batch", "")
		return
	}

	// Authenticate every entry up front, then hand the engine one atomic
	// batch under a single caller.
	var caller common.Address
	orders := make([]*settle.Order, len(req.Cancels))
	for i, item := range req.Cancels {
		if item.Order == nil {
			respondError(w, http.StatusBadRequest, "missing order", "")
			return
		}
		sig, err := hexutil.Decode(item.Signature)
		if err != nil {
			respondSettleError(w, settle.ErrMalformedSignature)
			return
		}
		commitment, err := s.engine.Commitment(item.Order)
		if err != nil {
			respondSettleError(w, err)
			return
		}
		signer, err := crypto.RecoverAddress(settle.CancelDigest(commitment).Bytes(), sig)
		if err != nil {
			respondSettleError(w, settle.ErrMalformedSignature)
			return
		}
		if i == 0 {
			caller = signer
		} else if signer != caller {
			respondSettleError(w, settle.ErrOnlyMakerCanCancel)
			return
		}
		orders[i] = item.Order
	}

	commitments, err := s.engine.CancelOrdersBatch(caller, orders)
	if err != nil {
		respondSettleError(w, err)
		return
	}

	out := make([]CancelResponse, len(commitments))
	for i, commitment := range commitments {
		out[i] = CancelResponse{Commitment: commitment.Hex(), Status: string(relay.StatusCancelled)}
	}
	respondJSON(w, out)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Order == nil {
		respondError(w, http.StatusBadRequest, "missing order", "")
		return
	}
	if !common.IsHexAddress(req.Filler) {
		respondError(w, http.StatusBadRequest, "invalid filler address", "")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}

	filler := common.HexToAddress(req.Filler)
	if err := s.authorizeFill(filler, req.Order, amount, req.FillerSignature); err != nil {
		respondSettleError(w, err)
		return
	}

	receipt, err := s.engine.FillOrder(filler, req.Order, amount, sig)
	if err != nil {
		respondSettleError(w, err)
		return
	}

	s.logTransaction("FILL", map[string]interface{}{
		"commitment": receipt.Commitment.Hex(),
		"filler":     receipt.Filler.Hex(),
		"amount":     receipt.AmountFilled.String(),
	})
	respondJSON(w, fillResponse(receipt))
}

func (s *Server) handleFillBatch(w http.ResponseWriter, r *http.Request) {
	var req FillBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Filler) {
		respondError(w, http.StatusBadRequest, "invalid filler address", "")
		return
	}

	filler := common.HexToAddress(req.Filler)
	orders := make([]*settle.Order, len(req.Fills))
	amounts := make([]*big.Int, len(req.Fills))
	sigs := make([][]byte, len(req.Fills))
	for i, item := range req.Fills {
		if item.Order == nil {
			respondError(w, http.StatusBadRequest, "missing order", "")
			return
		}
		orders[i] = item.Order
		amount, ok := new(big.Int).SetString(item.Amount, 10)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid amount", item.Amount)
			return
		}
		amounts[i] = amount
		sig, err := hexutil.Decode(item.Signature)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
			return
		}
		sigs[i] = sig
		if err := s.authorizeFill(filler, item.Order, amount, item.FillerSignature); err != nil {
			respondSettleError(w, err)
			return
		}
	}

	receipts, err := s.engine.FillOrdersBatch(filler, orders, amounts, sigs)
	if err != nil {
		respondSettleError(w, err)
		return
	}

	out := make([]FillResponse, len(receipts))
	for i, receipt := range receipts {
		out[i] = fillResponse(receipt)
	}
	s.logTransaction("FILL_BATCH", map[string]interface{}{
		"filler": req.Filler,
		"count":  len(out),
	})
	respondJSON(w, out)
}

// authorizeFill requires a signature over the fill digest recovering to the
// named filler. Fills debit the filler's ledger balance, so the filler must
// prove they asked for this exact (order, amount) settlement.
func (s *Server) authorizeFill(filler common.Address, order *settle.Order, amount *big.Int, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return settle.ErrMalformedSignature
	}
	commitment, err := s.engine.Commitment(order)
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverAddress(settle.FillDigest(commitment, amount).Bytes(), sig)
	if err != nil {
		return settle.ErrMalformedSignature
	}
	if signer != filler {
		return fmt.Errorf("%w: fill authorized by %s, filler is %s",
			settle.ErrInvalidSignature, signer.Hex(), filler.Hex())
	}
	return nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	owner, asset, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}
	if err := s.engine.Deposit(owner, asset, amount); err != nil {
		respondSettleError(w, err)
		return
	}
	s.logTransaction("DEPOSIT", map[string]interface{}{
		"owner": owner.Hex(), "asset": asset.Hex(), "amount": amount.String(),
	})
	respondJSON(w, BalanceResponse{
		Owner:   owner.Hex(),
		Asset:   asset.Hex(),
		Balance: s.engine.BalanceOf(owner, asset).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	owner, asset, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}
	if err := s.engine.Withdraw(owner, asset, amount); err != nil {
		respondSettleError(w, err)
		return
	}
	s.logTransaction("WITHDRAW", map[string]interface{}{
		"owner": owner.Hex(), "asset": asset.Hex(), "amount": amount.String(),
	})
	respondJSON(w, BalanceResponse{
		Owner:   owner.Hex(),
		Asset:   asset.Hex(),
		Balance: s.engine.BalanceOf(owner, asset).String(),
	})
}

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request) (owner, asset common.Address, amount *big.Int, ok bool) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid owner address", "")
		return
	}
	if !common.IsHexAddress(req.Asset) {
		respondError(w, http.StatusBadRequest, "invalid asset address", "")
		return
	}
	amount, k := new(big.Int).SetString(req.Amount, 10)
	if !k {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	return common.HexToAddress(req.Owner), common.HexToAddress(req.Asset), amount, true
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["owner"]) || !common.IsHexAddress(vars["asset"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	owner := common.HexToAddress(vars["owner"])
	asset := common.HexToAddress(vars["asset"])
	respondJSON(w, BalanceResponse{
		Owner:   owner.Hex(),
		Asset:   asset.Hex(),
		Balance: s.engine.BalanceOf(owner, asset).String(),
	})
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	var req CommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Order == nil {
		respondError(w, http.StatusBadRequest, "missing order", "")
		return
	}
	commitment, err := s.engine.Commitment(req.Order)
	if err != nil {
		respondSettleError(w, err)
		return
	}

	out := CommitmentResponse{Commitment: commitment.Hex()}
	if req.Signature != "" {
		sig, err := hexutil.Decode(req.Signature)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
			return
		}
		signer, err := s.engine.Verify(req.Order, sig)
		if err != nil {
			respondSettleError(w, err)
			return
		}
		out.Signer = signer.Hex()
		out.Valid = signer == req.Order.Maker
	}
	respondJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status": "ok",
		"orders": s.relay.Count(),
	})
}

// ==============================
// Broadcast Methods
// ==============================

// BroadcastRecord pushes an order transition to subscribed WebSocket clients.
func (s *Server) BroadcastRecord(record *relay.Record) {
	update := OrderUpdate{
		Type:       "ORDER_UPDATE",
		Commitment: record.Commitment.Hex(),
		Maker:      record.Order.Maker.Hex(),
		Status:     string(record.Status),
		Filled:     record.Filled.String(),
		Timestamp:  record.UpdatedAt,
	}
	s.hub.BroadcastToChannel("orders", update)
	s.hub.BroadcastToChannel("orders:"+record.Order.Maker.Hex(), update)
}

// BroadcastEvent pushes a settlement event to subscribed WebSocket clients.
func (s *Server) BroadcastEvent(ev settle.Event) {
	s.hub.BroadcastToChannel("events", EventUpdate{Type: "EVENT", Event: ev})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondSettleError maps engine errors to HTTP statuses by error class:
// malformed input 400, authorization 403, order state 409, funds 409,
// custody bridge failure 502.
func respondSettleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, settle.ErrInvalidOrder),
		errors.Is(err, settle.ErrInvalidAsset),
		errors.Is(err, settle.ErrInvalidAmount),
		errors.Is(err, settle.ErrMalformedSignature),
		errors.Is(err, settle.ErrArrayLengthMismatch),
		errors.Is(err, settle.ErrTooManyOrders):
		status = http.StatusBadRequest
	case errors.Is(err, settle.ErrNotAuthorizedTaker),
		errors.Is(err, settle.ErrOnlyMakerCanCancel),
		errors.Is(err, settle.ErrInvalidSignature):
		status = http.StatusForbidden
	case errors.Is(err, settle.ErrOrderExpired),
		errors.Is(err, settle.ErrOrderAlreadyCancelled),
		errors.Is(err, settle.ErrInsufficientOrderRemaining),
		errors.Is(err, settle.ErrInsufficientBalance),
		errors.Is(err, settle.ErrMakerInsufficientBalance),
		errors.Is(err, settle.ErrTakerInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, settle.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	respondError(w, status, "settlement rejected", err.Error())
}

// logTransaction writes a settlement event to the log file, one JSON object
// per line.
func (s *Server) logTransaction(eventType string, data map[string]interface{}) {
	if s.txLog == nil {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"event":     eventType,
		"data":      data,
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		s.log.Warnw("tx_log_marshal_failed", "err", err)
		return
	}

	s.txLog.Write(jsonData)
	s.txLog.Write([]byte("\n"))
}
