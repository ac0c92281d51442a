package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/minrhee/orderbook-reserve/pkg/book"
	"github.com/minrhee/orderbook-reserve/pkg/ledger"
	"github.com/minrhee/orderbook-reserve/pkg/reserve"
)

// Server exposes the reserve over REST and WebSocket.
type Server struct {
	rsv    *reserve.Reserve
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer wires the routes and hooks the reserve's trade feed into the
// WebSocket hub.
func NewServer(rsv *reserve.Reserve, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		rsv:    rsv,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		log:    logger,
	}
	rsv.OnTrade = s.broadcastTrade
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Book and order queries
	api.HandleFunc("/book/{side}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/hint", s.handleGetHint).Methods("GET")

	// Maker queries
	api.HandleFunc("/makers/{address}", s.handleGetMaker).Methods("GET")
	api.HandleFunc("/makers/{address}/orders", s.handleGetMakerOrders).Methods("GET")
	api.HandleFunc("/makers/{address}/funds/{asset}", s.handleGetFunds).Methods("GET")

	// Order lifecycle
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/update", s.handleUpdateOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/take", s.handleTake).Methods("POST")

	// Balance movements
	api.HandleFunc("/deposits/funds", s.handleDepositFunds).Methods("POST")
	api.HandleFunc("/deposits/stake", s.handleDepositStake).Methods("POST")
	api.HandleFunc("/withdrawals/funds", s.handleWithdrawFunds).Methods("POST")
	api.HandleFunc("/withdrawals/stake", s.handleWithdrawStake).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and serves HTTP on addr. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) broadcastTrade(t reserve.Trade) {
	s.hub.BroadcastToChannel("trades", TradeMessage{
		Channel:   "trades",
		Side:      t.Side.String(),
		OrderID:   t.OrderID,
		Maker:     t.Maker.Hex(),
		Src:       t.Src.Dec(),
		Dst:       t.Dst.Dec(),
		Partial:   t.Partial,
		Timestamp: t.Timestamp,
	})
}

// ==============================
// Helpers
// ==============================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

// statusFor maps error kinds to status codes so callers can distinguish
// retryable parameter errors from balance problems and missing ids.
func statusFor(err error) int {
	switch {
	case errors.Is(err, book.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientStake),
		errors.Is(err, ledger.ErrInsufficientFreeFunds):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func parseSide(s string) (book.Side, error) {
	switch s {
	case "buy":
		return book.Buy, nil
	case "sell":
		return book.Sell, nil
	default:
		return 0, errors.New("side must be \"buy\" or \"sell\"")
	}
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("amount is required")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errors.New("amount must be a decimal integer")
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("malformed address")
	}
	return common.HexToAddress(s), nil
}

func (s *Server) orderInfo(id uint64) (OrderInfo, bool) {
	o, _, ok := s.rsv.GetOrder(id)
	if !ok {
		return OrderInfo{}, false
	}
	return OrderInfo{
		ID:        o.ID,
		Maker:     o.Maker.Hex(),
		SrcAmount: o.SrcAmount.Dec(),
		DstAmount: o.DstAmount.Dec(),
		PrevID:    o.PrevID,
		NextID:    o.NextID,
		Live:      o.Linked(),
	}, true
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(mux.Vars(r)["side"])
	if err != nil {
		writeError(w, err)
		return
	}
	ids := s.rsv.OrderIDs(side)
	orders := make([]OrderInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := s.orderInfo(id); ok {
			orders = append(orders, info)
		}
	}
	writeJSON(w, http.StatusOK, BookResponse{Side: side.String(), Orders: orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, errors.New("malformed order id"))
		return
	}
	info, ok := s.orderInfo(id)
	if !ok {
		writeError(w, book.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetHint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, err := parseSide(q.Get("side"))
	if err != nil {
		writeError(w, err)
		return
	}
	src, err := parseAmount(q.Get("src"))
	if err != nil {
		writeError(w, err)
		return
	}
	dst, err := parseAmount(q.Get("dst"))
	if err != nil {
		writeError(w, err)
		return
	}
	var start uint64
	if v := q.Get("start"); v != "" {
		start, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, errors.New("malformed start id"))
			return
		}
	}
	prev, err := s.rsv.FindPrevOrderID(side, src, dst, start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HintResponse{PrevID: prev})
}

func (s *Server) handleGetMaker(w http.ResponseWriter, r *http.Request) {
	maker, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MakerInfo{
		Address:       maker.Hex(),
		StakeTotal:    s.rsv.StakeTotal(maker).Dec(),
		RequiredStake: s.rsv.RequiredStake(maker).Dec(),
		FreeStake:     s.rsv.FreeStake(maker).Dec(),
		LockedValue:   s.rsv.LockedValue(maker).Dec(),
	})
}

func (s *Server) handleGetMakerOrders(w http.ResponseWriter, r *http.Request) {
	maker, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	side, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rsv.MakerOrders(maker, side))
}

func (s *Server) handleGetFunds(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	maker, err := parseAddress(vars["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	asset, err := parseAddress(vars["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"freeFunds": s.rsv.FreeFunds(maker, asset).Dec()})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("malformed request body"))
		return
	}
	maker, err := parseAddress(req.Maker)
	if err != nil {
		writeError(w, err)
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, err)
		return
	}
	src, err := parseAmount(req.SrcAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	dst, err := parseAmount(req.DstAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.rsv.Add(maker, side, src, dst, req.HintPrevID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitOrderResponse{OrderID: id})
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("malformed request body"))
		return
	}
	src, err := parseAmount(req.SrcAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	dst, err := parseAmount(req.DstAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.HintPrevID != 0 {
		err = s.rsv.UpdateWithHint(req.OrderID, src, dst, req.HintPrevID)
	} else {
		err = s.rsv.Update(req.OrderID, src, dst)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("malformed request body"))
		return
	}
	if err := s.rsv.Remove(req.OrderID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	var req TakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("malformed request body"))
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	filled, remainder, err := s.rsv.Take(side, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TakeResponse{Filled: filled.Dec(), Remainder: remainder.Dec()})
}

func (s *Server) handleBalanceMove(w http.ResponseWriter, r *http.Request, withAsset bool, move func(common.Address, common.Address, *uint256.Int) error) {
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("malformed request body"))
		return
	}
	maker, err := parseAddress(req.Maker)
	if err != nil {
		writeError(w, err)
		return
	}
	var asset common.Address
	if withAsset {
		asset, err = parseAddress(req.Asset)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := move(maker, asset, amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDepositFunds(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceMove(w, r, true, func(maker, asset common.Address, amount *uint256.Int) error {
		return s.rsv.DepositFunds(maker, asset, amount)
	})
}

func (s *Server) handleWithdrawFunds(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceMove(w, r, true, func(maker, asset common.Address, amount *uint256.Int) error {
		return s.rsv.WithdrawFunds(maker, asset, amount)
	})
}

func (s *Server) handleDepositStake(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceMove(w, r, false, func(maker, _ common.Address, amount *uint256.Int) error {
		return s.rsv.DepositStake(maker, amount)
	})
}

func (s *Server) handleWithdrawStake(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceMove(w, r, false, func(maker, _ common.Address, amount *uint256.Int) error {
		return s.rsv.WithdrawStake(maker, amount)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
