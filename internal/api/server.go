package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rebalancer-go/balance"
	"rebalancer-go/infrastructure/logger"
	"rebalancer-go/pricing"
)

const (
	userHeader      = "X-User-ID"
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// BalanceService 由 balance.Service 实现
type BalanceService interface {
	AddBalance(ctx context.Context, userID, asset string, amount float64) (balance.Holdings, error)
	RemoveBalance(ctx context.Context, userID, asset string, amount float64) (balance.Holdings, error)
	GetBalances(ctx context.Context, userID string) (balance.Holdings, error)
	GetAllBalances(ctx context.Context) (map[string]balance.Holdings, error)
	TotalBalance(ctx context.Context, userID, currency string) (float64, error)
	TotalBalanceAll(ctx context.Context, currency string) (map[string]float64, error)
	Rebalance(ctx context.Context, userID string, targets map[string]float64) (balance.RebalanceResult, error)
}

// RateService 由 pricing.RateCache 实现
type RateService interface {
	GetRates(ctx context.Context) pricing.PriceTable
	Snapshot() (pricing.PriceTable, time.Time)
	Currency() string
}

// PriceLookup 由 pricing.Fetcher 实现
type PriceLookup interface {
	FetchByIDs(ctx context.Context, currency string, ids []string) (pricing.PriceTable, error)
}

// Server HTTP 接口层，只做参数绑定和错误映射。
type Server struct {
	balances BalanceService
	rates    RateService
	lookup   PriceLookup
	pub      *pricing.Publisher
	log      *logger.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer 注册全部路由
func NewServer(balances BalanceService, rates RateService, lookup PriceLookup, pub *pricing.Publisher, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		balances: balances,
		rates:    rates,
		lookup:   lookup,
		pub:      pub,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /balance", s.withUser(s.handleGetBalance))
	s.mux.HandleFunc("POST /balance/add", s.withUser(s.handleAddBalance))
	s.mux.HandleFunc("DELETE /balance/remove", s.withUser(s.handleRemoveBalance))
	s.mux.HandleFunc("GET /balance/total/{currency}", s.withUser(s.handleTotalBalance))
	s.mux.HandleFunc("POST /balance/rebalance", s.withUser(s.handleRebalance))

	s.mux.HandleFunc("GET /balances", s.handleAllBalances)
	s.mux.HandleFunc("GET /balances/total/{currency}", s.handleAllTotals)

	s.mux.HandleFunc("GET /rates", s.handleRates)
	s.mux.HandleFunc("GET /rates/ids", s.handleRatesByIDs)
	s.mux.HandleFunc("GET /ws/rates", s.handleRatesStream)
}

// Handler 返回带请求 ID 与访问日志的 handler
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		s.mux.ServeHTTP(rec, r)
		s.log.Debug("http request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "missing "+userHeader+" header")
			return
		}
		next(w, r, userID)
	}
}

type amountRequest struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

type totalResponse struct {
	Currency string  `json:"currency"`
	Total    float64 `json:"total"`
}

type ratesResponse struct {
	Currency    string             `json:"currency"`
	RefreshedAt *time.Time         `json:"refreshedAt,omitempty"`
	Rates       pricing.PriceTable `json:"rates"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, userID string) {
	h, err := s.balances.GetBalances(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleAddBalance(w http.ResponseWriter, r *http.Request, userID string) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h, err := s.balances.AddBalance(r.Context(), userID, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleRemoveBalance(w http.ResponseWriter, r *http.Request, userID string) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h, err := s.balances.RemoveBalance(r.Context(), userID, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleTotalBalance(w http.ResponseWriter, r *http.Request, userID string) {
	currency := r.PathValue("currency")
	total, err := s.balances.TotalBalance(r.Context(), userID, currency)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totalResponse{Currency: strings.ToUpper(currency), Total: total})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request, userID string) {
	var targets map[string]float64
	if !decodeBody(w, r, &targets) {
		return
	}
	res, err := s.balances.Rebalance(r.Context(), userID, targets)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == balance.StatusSkipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleAllBalances(w http.ResponseWriter, r *http.Request) {
	all, err := s.balances.GetAllBalances(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleAllTotals(w http.ResponseWriter, r *http.Request) {
	currency := r.PathValue("currency")
	totals, err := s.balances.TotalBalanceAll(r.Context(), currency)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"currency": strings.ToUpper(currency),
		"totals":   totals,
	})
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	table := s.rates.GetRates(r.Context())
	_, at := s.rates.Snapshot()
	writeJSON(w, http.StatusOK, newRatesResponse(s.rates.Currency(), table, at))
}

func (s *Server) handleRatesByIDs(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids query parameter is required")
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = s.rates.Currency()
	}
	table, err := s.lookup.FetchByIDs(r.Context(), currency, ids)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratesResponse{Currency: strings.ToLower(currency), Rates: table})
}

func newRatesResponse(currency string, table pricing.PriceTable, at time.Time) ratesResponse {
	resp := ratesResponse{Currency: currency, Rates: table.Canonical()}
	if !at.IsZero() {
		resp.RefreshedAt = &at
	}
	return resp
}

// fail 把业务错误映射为 HTTP 状态码
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.LogError(err, map[string]interface{}{"status": status})
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, balance.ErrInvalidAllocation),
		errors.Is(err, balance.ErrInvalidAmount),
		errors.Is(err, balance.ErrUnsupportedAsset),
		errors.Is(err, balance.ErrInvalidCurrency),
		errors.Is(err, balance.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, balance.ErrUserNotFound),
		errors.Is(err, balance.ErrAssetNotHeld),
		errors.Is(err, pricing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pricing.ErrRateLimited),
		errors.Is(err, pricing.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap 让 http.ResponseController 拿到底层 writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack 供 websocket 升级使用；gorilla 只认 http.Hijacker
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}
