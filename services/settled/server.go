package settled

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	serrors "guardiansettle/core/errors"
	"guardiansettle/native/auction"
	"guardiansettle/native/payout"
	"guardiansettle/native/staking"
	"guardiansettle/observability"
	"guardiansettle/services/settled/transfer"
)

const maxBodyBytes = 1 << 20

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Auth     *Authenticator
	Limiter  *RateLimiter
	Hub      *EventHub
	Exporter *Exporter
	Logger   *slog.Logger
	// OriginPatterns restricts websocket origins; empty allows same-host only.
	OriginPatterns []string
}

// Server exposes the settlement API, the admin surface and the event stream.
type Server struct {
	coord          *Coordinator
	auth           *Authenticator
	limiter        *RateLimiter
	hub            *EventHub
	exporter       *Exporter
	logger         *slog.Logger
	originPatterns []string
	router         chi.Router
}

// NewServer builds the router for the coordinator.
func NewServer(coord *Coordinator, cfg ServerConfig) (*Server, error) {
	if coord == nil {
		return nil, errors.New("coordinator required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:          coord,
		auth:           cfg.Auth,
		limiter:        cfg.Limiter,
		hub:            cfg.Hub,
		exporter:       cfg.Exporter,
		logger:         logger,
		originPatterns: cfg.OriginPatterns,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "settled")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware())
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Post("/auctions", s.handleCreateAuction)
		r.Get("/auctions", s.handleListAuctions)
		r.Get("/auctions/{auctionID}", s.handleGetAuction)
		r.Get("/auctions/{auctionID}/bids", s.handleListBids)
		r.Post("/auctions/{auctionID}/bids", s.handlePlaceBid)
		r.Post("/auctions/{auctionID}/seal", s.handleSealAuction)
		r.Post("/auctions/{auctionID}/cancel", s.handleCancelAuction)

		r.Get("/claims", s.handleListClaims)
		r.Get("/claims/{capsuleID}", s.handleGetClaimable)
		r.Get("/claims/{capsuleID}/earnings", s.handleListEarnings)
		r.Post("/claims/{capsuleID}", s.handleClaim)

		r.Get("/staking/view", s.handleAggregateView)
		r.Get("/positions", s.handleListPositions)
		r.Post("/positions", s.handleDeposit)
		r.Get("/positions/{positionID}", s.handleGetPosition)
		r.Post("/positions/{positionID}/unstake", s.handleBeginUnstake)
		r.Post("/positions/{positionID}/withdraw", s.handleWithdraw)

		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeRevenue))
			r.Post("/earnings", s.handleRecordEarning)
			r.Post("/revenue", s.handleRecordRevenue)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeNotify))
			r.Post("/transfers/{correlationID}/notify", s.handleNotify)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.auth.Middleware(ScopeAdmin))
		s.mountAdmin(r)
	})
	return r
}

// observe records request metrics under the matched route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = r.Method + " " + pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("settled", route, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: strings.ToLower(http.StatusText(status)), Message: message})
}

// statusFor maps settlement error kinds to HTTP status codes.
func statusFor(kind serrors.Kind) int {
	switch kind {
	case serrors.KindNotFound:
		return http.StatusNotFound
	case serrors.KindNotAuthorized:
		return http.StatusForbidden
	case serrors.KindInvalidArgument, serrors.KindInvalidReserve, serrors.KindNegativeAmount,
		serrors.KindUnknownModel, serrors.KindUnsupportedChain:
		return http.StatusBadRequest
	case serrors.KindAuctionNotActive, serrors.KindBidTooLow, serrors.KindAlreadyFinalized,
		serrors.KindHasBids, serrors.KindNothingToClaim, serrors.KindStillLocked:
		return http.StatusConflict
	case serrors.KindDailyCapExceeded:
		return http.StatusUnprocessableEntity
	case serrors.KindTooEarly:
		return http.StatusTooEarly
	case serrors.KindCooldownActive:
		return http.StatusTooManyRequests
	case serrors.KindPaused:
		return http.StatusServiceUnavailable
	case serrors.KindTransferFailed, serrors.KindTransferTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	var settlement *serrors.Error
	if !errors.As(err, &settlement) {
		s.logger.Error("request failed",
			slog.String("operation", operation),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err))
		s.coord.metrics.RecordError(operation, "internal")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := statusFor(settlement.Kind)
	body := errorBody{Error: string(settlement.Kind), Message: settlement.Error()}
	if settlement.Remaining > 0 {
		body.RetryAfterSeconds = int64(math.Ceil(settlement.Remaining.Seconds()))
		w.Header().Set("Retry-After", fmt.Sprintf("%d", body.RetryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		s.coord.metrics.RecordError(operation, string(settlement.Kind))
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return serrors.New(serrors.KindInvalidArgument, "request", "", fmt.Sprintf("invalid body: %v", err))
	}
	return nil
}

type createAuctionRequest struct {
	ContentHash     string `json:"content_hash"`
	ReservePrice    string `json:"reserve_price"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, "create_auction", err)
		return
	}
	reserve, err := parseAmount("reserve_price", req.ReservePrice)
	if err != nil {
		s.fail(w, r, "create_auction", err)
		return
	}
	a, err := s.coord.CreateAuction(CallerFrom(r.Context()), req.ContentHash, reserve, req.DurationSeconds)
	if err != nil {
		s.fail(w, r, "create_auction", err)
		return
	}
	writeJSON(w, http.StatusCreated, newAuctionView(a))
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	filter := auction.Filter{Creator: strings.TrimSpace(r.URL.Query().Get("creator"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := auction.ParseStatus(raw)
		if !ok {
			s.fail(w, r, "list_auctions", serrors.New(serrors.KindInvalidArgument, "auction", "", fmt.Sprintf("unknown status %q", raw)))
			return
		}
		filter.Status = &status
	}
	auctions, err := s.coord.Auctions().List(filter)
	if err != nil {
		s.fail(w, r, "list_auctions", err)
		return
	}
	out := make([]auctionView, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, newAuctionView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.Auctions().Get(chi.URLParam(r, "auctionID"))
	if err != nil {
		s.fail(w, r, "get_auction", err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionView(a))
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.coord.Auctions().Bids(chi.URLParam(r, "auctionID"))
	if err != nil {
		s.fail(w, r, "list_bids", err)
		return
	}
	out := make([]bidView, 0, len(bids))
	for _, b := range bids {
		out = append(out, newBidView(b))
	}
	writeJSON(w, http.StatusOK, out)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type placeBidResponse struct {
	Auction      auctionView `json:"auction"`
	Bid          bidView     `json:"bid"`
	RefundIntent string      `json:"refund_intent,omitempty"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, "place_bid", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "place_bid", err)
		return
	}
	res, err := s.coord.PlaceBid(r.Context(), chi.URLParam(r, "auctionID"), CallerFrom(r.Context()), amount)
	if err != nil {
		s.fail(w, r, "place_bid", err)
		return
	}
	resp := placeBidResponse{Auction: newAuctionView(res.Auction), Bid: newBidView(res.Bid)}
	if res.Refund != nil {
		resp.RefundIntent = res.Refund.CorrelationID
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleSealAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.SealAuction(chi.URLParam(r, "auctionID"), CallerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, "seal_auction", err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionView(a))
}

func (s *Server) handleCancelAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.CancelAuction(chi.URLParam(r, "auctionID"), CallerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, "cancel_auction", err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionView(a))
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.coord.Yield().Claims(CallerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, "list_claims", err)
		return
	}
	out := make([]claimView, 0, len(claims))
	for _, c := range claims {
		out = append(out, newClaimView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetClaimable(w http.ResponseWriter, r *http.Request) {
	capsuleID := chi.URLParam(r, "capsuleID")
	amount, err := s.coord.GetClaimable(CallerFrom(r.Context()), capsuleID)
	if err != nil {
		s.fail(w, r, "get_claimable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"claimant":   CallerFrom(r.Context()),
		"capsule_id": capsuleID,
		"claimable":  amountString(amount),
	})
}

func (s *Server) handleListEarnings(w http.ResponseWriter, r *http.Request) {
	earnings, err := s.coord.Yield().Earnings(CallerFrom(r.Context()), chi.URLParam(r, "capsuleID"))
	if err != nil {
		s.fail(w, r, "list_earnings", err)
		return
	}
	out := make([]earningView, 0, len(earnings))
	for _, e := range earnings {
		out = append(out, newEarningView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type claimResponse struct {
	Claim         claimView `json:"claim"`
	Amount        string    `json:"amount"`
	CorrelationID string    `json:"correlation_id"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.coord.Claim(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "capsuleID"))
	if err != nil {
		s.fail(w, r, "claim", err)
		return
	}
	writeJSON(w, http.StatusAccepted, claimResponse{
		Claim:         newClaimView(receipt.Claim),
		Amount:        amountString(receipt.Amount),
		CorrelationID: receipt.CorrelationID,
	})
}

type recordEarningRequest struct {
	Claimant  string `json:"claimant"`
	CapsuleID string `json:"capsule_id"`
	Amount    string `json:"amount"`
	Model     string `json:"model"`
	Ref       string `json:"ref"`
}

func (s *Server) handleRecordEarning(w http.ResponseWriter, r *http.Request) {
	var req recordEarningRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, "record_earning", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "record_earning", err)
		return
	}
	claim, recorded, err := s.coord.RecordEarning(req.Claimant, req.CapsuleID, amount, req.Model, req.Ref)
	if err != nil {
		s.fail(w, r, "record_earning", err)
		return
	}
	status := http.StatusCreated
	if !recorded {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"claim": newClaimView(claim), "recorded": recorded})
}

type recordRevenueRequest struct {
	Model        string            `json:"model"`
	Gross        string            `json:"gross"`
	CapsuleID    string            `json:"capsule_id"`
	Ref          string            `json:"ref"`
	Participants map[string]string `json:"participants"`
}

func (s *Server) handleRecordRevenue(w http.ResponseWriter, r *http.Request) {
	var req recordRevenueRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, "record_revenue", err)
		return
	}
	gross, err := parseAmount("gross", req.Gross)
	if err != nil {
		s.fail(w, r, "record_revenue", err)
		return
	}
	participants := make(map[payout.Role]string, len(req.Participants))
	for role, account := range req.Participants {
		participants[payout.Role(strings.ToLower(strings.TrimSpace(role)))] = account
	}
	credits, err := s.coord.RecordRevenue(Revenue{
		Model:        req.Model,
		Gross:        gross,
		CapsuleID:    req.CapsuleID,
		Ref:          req.Ref,
		Participants: participants,
	})
	if err != nil {
		s.fail(w, r, "record_revenue", err)
		return
	}
	out := make([]creditView, 0, len(credits))
	for _, c := range credits {
		out = append(out, creditView{Role: c.Role, Account: c.Account, Amount: amountString(c.Amount), Recorded: c.Recorded})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAggregateView(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.GetAggregateView()
	if err != nil {
		s.fail(w, r, "aggregate_view", err)
		return
	}
	writeJSON(w, http.StatusOK, newAggregateView(view))
}

type depositRequest struct {
	Chain       string `json:"chain"`
	Amount      string `json:"amount"`
	LockSeconds int64  `json:"lock_seconds"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, "deposit", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "deposit", err)
		return
	}
	if req.LockSeconds < 0 {
		s.fail(w, r, "deposit", serrors.New(serrors.KindInvalidArgument, "position", "", "lock period must be non-negative"))
		return
	}
	pos, err := s.coord.Deposit(req.Chain, CallerFrom(r.Context()), amount, time.Duration(req.LockSeconds)*time.Second)
	if err != nil {
		s.fail(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, newPositionView(pos))
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.coord.Staking().Positions(r.URL.Query().Get("chain"), CallerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, "list_positions", err)
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ownPosition(r *http.Request) (*staking.Position, error) {
	id := chi.URLParam(r, "positionID")
	pos, err := s.coord.Staking().Position(id)
	if err != nil {
		return nil, err
	}
	if pos.Staker != CallerFrom(r.Context()) {
		return nil, serrors.New(serrors.KindNotAuthorized, "position", id, "caller is not the staker")
	}
	return pos, nil
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.ownPosition(r)
	if err != nil {
		s.fail(w, r, "get_position", err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

func (s *Server) handleBeginUnstake(w http.ResponseWriter, r *http.Request) {
	owned, err := s.ownPosition(r)
	if err != nil {
		s.fail(w, r, "begin_unstake", err)
		return
	}
	pos, err := s.coord.BeginUnstake(owned.ID)
	if err != nil {
		s.fail(w, r, "begin_unstake", err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

type withdrawResponse struct {
	Position      positionView `json:"position"`
	Principal     string       `json:"principal"`
	Reward        string       `json:"reward"`
	CorrelationID string       `json:"correlation_id"`
	Replayed      bool         `json:"replayed"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	owned, err := s.ownPosition(r)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	receipt, err := s.coord.Withdraw(r.Context(), owned.ID)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	status := http.StatusAccepted
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, withdrawResponse{
		Position:      newPositionView(receipt.Position),
		Principal:     amountString(receipt.Principal),
		Reward:        amountString(receipt.Reward),
		CorrelationID: receipt.CorrelationID,
		Replayed:      receipt.Replayed,
	})
}

type notifyRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, "notify", err)
		return
	}
	status, ok := transfer.ParseStatus(req.Status)
	if !ok {
		s.fail(w, r, "notify", serrors.New(serrors.KindInvalidArgument, "transfer", chi.URLParam(r, "correlationID"), fmt.Sprintf("unknown status %q", req.Status)))
		return
	}
	in, err := s.coord.Notify(r.Context(), chi.URLParam(r, "correlationID"), status)
	if err != nil {
		s.fail(w, r, "notify", err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(in))
}
