// Package api is the HTTP boundary of the settler: quotes, intent intake, settlement requests
// and the operator views of the intent book.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/speedrun-hq/speedrun-settler/pkg/amount"
	"github.com/speedrun-hq/speedrun-settler/pkg/intake"
	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
	"github.com/speedrun-hq/speedrun-settler/pkg/settlement"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

const (
	maxBodyBytes    = 1 << 16
	shutdownTimeout = 10 * time.Second
)

// Config holds the collaborators of the API server
type Config struct {
	Intake   *intake.Service
	Quoter   *quote.Quoter
	Executor *settlement.Executor
	Book     *intents.Book
	// Limiter throttles intake routes; nil disables limiting
	Limiter *RateLimiter
	Logger  logger.Logger
}

// Server serves the settler HTTP API
type Server struct {
	intake   *intake.Service
	quoter   *quote.Quoter
	executor *settlement.Executor
	book     *intents.Book
	limiter  *RateLimiter
	format   formatter
	logger   logger.Logger
	router   http.Handler
}

// NewServer builds the router
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = &logger.EmptyLogger{}
	}
	s := &Server{
		intake:   cfg.Intake,
		quoter:   cfg.Quoter,
		executor: cfg.Executor,
		book:     cfg.Book,
		limiter:  cfg.Limiter,
		format:   formatter{pools: cfg.Quoter.Pools()},
		logger:   cfg.Logger,
	}
	s.router = s.routes()
	return s
}

// Handler exposes the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Route("/quote", func(q chi.Router) {
		q.Get("/swap", s.quoteSwap)
		q.Get("/addLiquidity", s.quoteAddLiquidity)
		q.Get("/removeLiquidity", s.quoteRemoveLiquidity)
	})

	r.Route("/intent", func(in chi.Router) {
		in.Group(func(limited chi.Router) {
			limited.Use(s.limiter.Middleware)
			limited.Post("/swap", s.submitSwap)
			limited.Post("/lp/add", s.submitAddLiquidity)
			limited.Post("/lp/remove", s.submitRemoveLiquidity)
		})
		in.Get("/{id}", s.getIntent)
	})

	r.Route("/settle", func(st chi.Router) {
		st.Post("/swap", s.settle(models.KindSwap))
		st.Post("/lp/add", s.settle(models.KindAddLiquidity))
		st.Post("/lp/remove", s.settle(models.KindRemoveLiquidity))
	})

	r.Get("/inbox", s.inbox)
	r.Get("/reconciliation", s.reconciliation)
	r.Post("/reconciliation/{id}/resolve", s.resolve)

	return r
}

// observe counts requests by route pattern and status and logs failures
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		if status >= http.StatusInternalServerError {
			s.logger.Error("%s %s -> %d in %v", r.Method, r.URL.Path, status, time.Since(start))
		} else {
			s.logger.Debug("%s %s -> %d in %v", r.Method, r.URL.Path, status, time.Since(start))
		}
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed: %v", err)
	}
	writeJSON(w, status, body)
}

type swapQuoteResponse struct {
	Pool         string `json:"pool"`
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	QuotedOut    string `json:"quotedOut"`
	MinAmountOut string `json:"minAmountOut"`
	ReserveIn    string `json:"reserveIn"`
	ReserveOut   string `json:"reserveOut"`
	PriceImpact  string `json:"priceImpact"`
}

func (s *Server) quoteSwap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenIn, tokenOut := q.Get("tokenIn"), q.Get("tokenOut")

	bps, err := slippageParam(q.Get("maxSlippageBps"))
	if err != nil {
		s.fail(w, err)
		return
	}
	amountIn, err := s.rawParam("amountIn", q.Get("amountIn"), tokenIn)
	if err != nil {
		s.fail(w, err)
		return
	}

	quoted, err := s.quoter.Swap(r.Context(), tokenIn, tokenOut, amountIn, bps)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swapQuoteResponse{
		Pool:         quoted.Pool.ID,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     s.format.amount(quoted.AmountIn, tokenIn),
		QuotedOut:    s.format.amount(quoted.QuotedOut, tokenOut),
		MinAmountOut: s.format.amount(quoted.MinAmountOut, tokenOut),
		ReserveIn:    s.format.amount(quoted.ReserveIn, tokenIn),
		ReserveOut:   s.format.amount(quoted.ReserveOut, tokenOut),
		PriceImpact:  quoted.PriceImpact.String(),
	})
}

type addLiquidityQuoteResponse struct {
	Pool         string `json:"pool"`
	LP           string `json:"lp"`
	MinLP        string `json:"minLp"`
	ReserveBase  string `json:"reserveBase"`
	ReserveQuote string `json:"reserveQuote"`
	LPSupply     string `json:"lpSupply"`
	Bootstrapped bool   `json:"bootstrapped"`
}

func (s *Server) quoteAddLiquidity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenX := q.Get("tokenX")
	base := s.quoter.Pools().BaseToken()

	bps, err := slippageParam(q.Get("maxSlippageBps"))
	if err != nil {
		s.fail(w, err)
		return
	}
	addBase, err := s.rawParam("addBase", q.Get("addBase"), base)
	if err != nil {
		s.fail(w, err)
		return
	}
	addX, err := s.rawParam("addX", q.Get("addX"), tokenX)
	if err != nil {
		s.fail(w, err)
		return
	}

	quoted, err := s.quoter.AddLiquidity(r.Context(), tokenX, addBase, addX, bps)
	if err != nil {
		s.fail(w, err)
		return
	}
	lp := quoted.Pool.LPToken
	writeJSON(w, http.StatusOK, addLiquidityQuoteResponse{
		Pool:         quoted.Pool.ID,
		LP:           s.format.amount(quoted.LP, lp),
		MinLP:        s.format.amount(quoted.MinLP, lp),
		ReserveBase:  s.format.amount(quoted.Reserves.ReserveBase, base),
		ReserveQuote: s.format.amount(quoted.Reserves.ReserveQuote, tokenX),
		LPSupply:     s.format.amount(quoted.Reserves.TotalLPSupply, lp),
		Bootstrapped: quoted.Bootstrapped,
	})
}

type removeLiquidityQuoteResponse struct {
	Pool         string `json:"pool"`
	BaseOut      string `json:"baseOut"`
	QuoteOut     string `json:"quoteOut"`
	MinBaseOut   string `json:"minBaseOut"`
	MinQuoteOut  string `json:"minQuoteOut"`
	ReserveBase  string `json:"reserveBase"`
	ReserveQuote string `json:"reserveQuote"`
	LPSupply     string `json:"lpSupply"`
}

func (s *Server) quoteRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenX := q.Get("tokenX")
	base := s.quoter.Pools().BaseToken()

	p, err := s.quoter.Pools().ForToken(tokenX)
	if err != nil {
		s.fail(w, err)
		return
	}
	bps, err := slippageParam(q.Get("maxSlippageBps"))
	if err != nil {
		s.fail(w, err)
		return
	}
	lpAmount, err := s.rawParam("lpAmount", q.Get("lpAmount"), p.LPToken)
	if err != nil {
		s.fail(w, err)
		return
	}

	quoted, err := s.quoter.RemoveLiquidity(r.Context(), tokenX, lpAmount, bps)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removeLiquidityQuoteResponse{
		Pool:         p.ID,
		BaseOut:      s.format.amount(quoted.BaseOut, base),
		QuoteOut:     s.format.amount(quoted.QuoteOut, tokenX),
		MinBaseOut:   s.format.amount(quoted.MinBaseOut, base),
		MinQuoteOut:  s.format.amount(quoted.MinQuoteOut, tokenX),
		ReserveBase:  s.format.amount(quoted.Reserves.ReserveBase, base),
		ReserveQuote: s.format.amount(quoted.Reserves.ReserveQuote, tokenX),
		LPSupply:     s.format.amount(quoted.Reserves.TotalLPSupply, p.LPToken),
	})
}

type submitResponse struct {
	ID             string        `json:"id"`
	DepositAccount string        `json:"depositAccount"`
	Created        bool          `json:"created"`
	Status         models.Status `json:"status"`
	Legs           []legView     `json:"legs"`
}

func (s *Server) submitSwap(w http.ResponseWriter, r *http.Request) {
	var req intake.SwapRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.intake.SubmitSwap(r.Context(), req)
	s.submitted(w, receipt, err)
}

func (s *Server) submitAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req intake.AddLiquidityRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.intake.SubmitAddLiquidity(r.Context(), req)
	s.submitted(w, receipt, err)
}

func (s *Server) submitRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req intake.RemoveLiquidityRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.intake.SubmitRemoveLiquidity(r.Context(), req)
	s.submitted(w, receipt, err)
}

func (s *Server) submitted(w http.ResponseWriter, receipt *intake.Receipt, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if receipt.Created {
		status = http.StatusCreated
	}
	view := s.format.intent(receipt.Intent)
	writeJSON(w, status, submitResponse{
		ID:             receipt.ID,
		DepositAccount: receipt.DepositAccount,
		Created:        receipt.Created,
		Status:         receipt.Intent.Status,
		Legs:           view.Legs,
	})
}

type settleRequest struct {
	ID string `json:"id"`
}

func (s *Server) settle(kind models.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settleRequest
		if !s.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ID) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
			return
		}

		intent, err := s.executor.Settle(r.Context(), req.ID, kind)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, s.format.intent(intent))
		case errors.Is(err, settlement.ErrPayoutDeferred):
			writeJSON(w, http.StatusAccepted, s.format.intent(intent))
		default:
			s.fail(w, err)
		}
	}
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.book.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.format.intent(intent))
}

// inbox lists every stored intent, optionally narrowed by ?status=PENDING,FILLED
func (s *Server) inbox(w http.ResponseWriter, r *http.Request) {
	var filter storage.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.Status(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	s.list(w, r, filter)
}

func (s *Server) reconciliation(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, storage.ListFilter{NeedsReconciliation: true})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, filter storage.ListFilter) {
	list, err := s.book.List(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.format.intents(list))
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Resolution) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "resolution is required")
		return
	}
	intent, err := s.book.ResolveReconciliation(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.format.intent(intent))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return false
	}
	return true
}

// rawParam converts a display amount of token to raw units
func (s *Server) rawParam(field, value, token string) (*big.Int, error) {
	decimals, ok := s.quoter.Pools().Decimals(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown token %q", pool.ErrUnknownPool, field, token)
	}
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: %s is required", intake.ErrValidation, field)
	}
	raw, err := amount.ToRaw(strings.TrimSpace(value), decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return raw, nil
}

func slippageParam(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	bps, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: maxSlippageBps %q", intake.ErrValidation, value)
	}
	return bps, nil
}
