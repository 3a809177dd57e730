package coordinator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	bdcacrypto "bitmordca/crypto"
	"bitmordca/native/dca"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server exposes the coordinator over HTTP. Handlers validate and normalise
// the request, hand the exact argument tuple to the signer, and return the
// (nonce, signature) pair alongside any coordinator-computed values.
type Server struct {
	signer  *Signer
	quoter  *Quoter
	ledger  *dca.Engine
	params  dca.Params
	logger  *slog.Logger
	metrics *Metrics
}

// NewServer assembles the HTTP surface. The quoter may be nil when the
// deployment computes credited amounts elsewhere; payment requests must then
// carry an explicit credited amount. The ledger may be nil when this process
// only issues authorizations; the read endpoints are mounted only when a
// ledger is attached.
func NewServer(signer *Signer, quoter *Quoter, ledger *dca.Engine, params dca.Params, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		signer:  signer,
		quoter:  quoter,
		ledger:  ledger,
		params:  params,
		logger:  logger,
		metrics: CoordinatorMetrics(),
	}
}

// Routes mounts the coordinator endpoints on a fresh router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1/authorize", func(r chi.Router) {
		r.Post("/create-plan", s.handleCreatePlan)
		r.Post("/payment", s.handlePayment)
		r.Post("/prepay", s.handlePrepay)
		r.Post("/early-withdraw", s.handleEarlyWithdraw)
		r.Post("/complete", s.handleComplete)
		r.Post("/distribute", s.handleDistribute)
		r.Post("/claim", s.handleClaim)
		r.Post("/sweep", s.handleSweep)
	})
	if s.ledger != nil {
		r.Route("/v1/ledger", func(r chi.Router) {
			r.Get("/plan/{account}", s.handleReadPlan)
			r.Get("/extras/{account}", s.handleReadExtras)
			r.Get("/pools", s.handleReadPools)
		})
	}
	return r
}

type authorizationResponse struct {
	Nonce     string            `json:"nonce"`
	Signature string            `json:"signature"`
	ChainID   uint64            `json:"chainId"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRequest(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func parseCaller(addr string) ([20]byte, error) {
	var out [20]byte
	decoded, err := bdcacrypto.DecodeAddress(strings.TrimSpace(addr))
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func parseCadence(value string) (dca.Cadence, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "daily":
		return dca.CadenceDaily, nil
	case "weekly":
		return dca.CadenceWeekly, nil
	default:
		return 0, fmt.Errorf("invalid cadence %q", value)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, op string, auth dca.Authorization, err error, extra map[string]string) {
	requestID := uuid.NewString()
	if err != nil {
		s.metrics.ObserveRejected(op, "signing")
		s.logger.Error("authorization failed", "op", op, "requestId", requestID, "err", err)
		// The reason is deliberately generic so callers learn nothing about
		// signer internals.
		s.writeError(w, http.StatusInternalServerError, "authorization unavailable")
		return
	}
	s.metrics.ObserveIssued(op)
	s.logger.Info("authorization issued", "op", op, "requestId", requestID, "path", r.URL.Path)
	writeJSON(w, http.StatusOK, authorizationResponse{
		Nonce:     hex.EncodeToString(auth.Nonce[:]),
		Signature: hex.EncodeToString(auth.Signature),
		ChainID:   s.signer.ChainID(),
		Extra:     extra,
	})
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller              string `json:"caller"`
		TargetBTC           string `json:"targetBTC"`
		PeriodicAmount      string `json:"periodicAmount"`
		TimePeriodDays      uint32 `json:"timePeriodDays"`
		WithdrawalDelayDays uint32 `json:"withdrawalDelayDays"`
		Cadence             string `json:"cadence"`
		BitmorEnabled       bool   `json:"bitmorEnabled"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	target, err := parseAmount(req.TargetBTC)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	periodic, err := parseAmount(req.PeriodicAmount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cadence, err := parseCadence(req.Cadence)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	auth, err := s.signer.AuthorizeCreatePlan(caller, dca.CreatePlanParams{
		TargetBTC:           target,
		PeriodicAmount:      periodic,
		TimePeriodDays:      req.TimePeriodDays,
		WithdrawalDelayDays: req.WithdrawalDelayDays,
		Cadence:             cadence,
		BitmorEnabled:       req.BitmorEnabled,
	})
	s.respond(w, r, string(dca.OpCreatePlan), auth, err, nil)
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		Principal   string `json:"principal"`
		Credited    string `json:"credited"`
		UsesPrepaid bool   `json:"usesPrepaid"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	principal, err := parseAmount(req.Principal)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var credited *big.Int
	if strings.TrimSpace(req.Credited) != "" {
		credited, err = parseAmount(req.Credited)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		credited, err = s.quoter.CreditForPrincipal(principal)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, "price unavailable")
			return
		}
	}
	auth, err := s.signer.AuthorizeRecordPayment(caller, principal, credited, req.UsesPrepaid)
	s.respond(w, r, string(dca.OpRecordPayment), auth, err, map[string]string{"credited": credited.String()})
}

func (s *Server) handlePrepay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller    string `json:"caller"`
		Principal string `json:"principal"`
		Days      uint32 `json:"days"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	principal, err := parseAmount(req.Principal)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Days == 0 {
		s.writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	auth, err := s.signer.AuthorizePrepayDays(caller, principal, req.Days)
	s.respond(w, r, string(dca.OpPrepayDays), auth, err, nil)
}

func (s *Server) handleEarlyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller           string `json:"caller"`
		Gross            string `json:"gross"`
		RemainingSeconds int64  `json:"remainingSeconds"`
		TotalSeconds     int64  `json:"totalSeconds"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	gross, err := parseAmount(req.Gross)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TotalSeconds <= 0 {
		s.writeError(w, http.StatusBadRequest, "total duration required")
		return
	}
	penalty, bps := PenaltyQuote(s.params, gross, req.RemainingSeconds, req.TotalSeconds)
	daysRemaining := uint32(0)
	if req.RemainingSeconds > 0 {
		daysRemaining = uint32(req.RemainingSeconds / 86_400)
	}
	auth, err := s.signer.AuthorizeEarlyWithdraw(caller, gross, penalty, daysRemaining)
	s.respond(w, r, string(dca.OpEarlyWithdraw), auth, err, map[string]string{
		"penalty":    penalty.String(),
		"penaltyBps": fmt.Sprintf("%d", bps),
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	auth, err := s.signer.AuthorizeCompletePlan(caller)
	s.respond(w, r, string(dca.OpCompletePlan), auth, err, nil)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string   `json:"caller"`
		Accounts []string `json:"accounts"`
		Amounts  []string `json:"amounts"`
		Boosts   []string `json:"boosts"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if len(req.Accounts) != len(req.Amounts) || len(req.Accounts) != len(req.Boosts) {
		s.writeError(w, http.StatusBadRequest, "array length mismatch")
		return
	}
	accounts := make([][20]byte, len(req.Accounts))
	amounts := make([]*big.Int, len(req.Amounts))
	boosts := make([]*big.Int, len(req.Boosts))
	for i := range req.Accounts {
		if accounts[i], err = parseCaller(req.Accounts[i]); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid account address")
			return
		}
		if amounts[i], err = parseAmount(req.Amounts[i]); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if boosts[i], err = parseAmount(req.Boosts[i]); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	auth, err := s.signer.AuthorizeDistributeRewards(caller, accounts, amounts, boosts)
	s.respond(w, r, string(dca.OpDistributeRewards), auth, err, nil)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	auth, err := s.signer.AuthorizeClaimRewards(caller)
	s.respond(w, r, string(dca.OpClaimRewards), auth, err, nil)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string   `json:"caller"`
		Tokens   []string `json:"tokens"`
		Amounts  []string `json:"amounts"`
		Expected string   `json:"expected"`
	}
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseCaller(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if len(req.Tokens) != len(req.Amounts) {
		s.writeError(w, http.StatusBadRequest, "array length mismatch")
		return
	}
	amounts := make([]*big.Int, len(req.Amounts))
	for i := range req.Amounts {
		if amounts[i], err = parseAmount(req.Amounts[i]); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	expected, err := parseAmount(req.Expected)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	auth, err := s.signer.AuthorizeSweepDust(caller, req.Tokens, amounts, expected)
	s.respond(w, r, string(dca.OpSweepDust), auth, err, nil)
}

type planResponse struct {
	TotalPaid           string `json:"totalPaid"`
	BTCAccumulated      string `json:"btcAccumulated"`
	TargetBTC           string `json:"targetBTC"`
	PeriodicAmount      string `json:"periodicAmount"`
	StartTime           int64  `json:"startTime"`
	LastPaymentTime     int64  `json:"lastPaymentTime"`
	Streak              uint64 `json:"streak"`
	MaxStreak           uint64 `json:"maxStreak"`
	PrepaidDays         uint32 `json:"prepaidDays"`
	WithdrawalDelayDays uint32 `json:"withdrawalDelayDays"`
	TimePeriodDays      uint32 `json:"timePeriodDays"`
	Cadence             string `json:"cadence"`
	Status              string `json:"status"`
	BitmorEnabled       bool   `json:"bitmorEnabled"`
	ThresholdReached    bool   `json:"thresholdReached"`
}

type extrasResponse struct {
	RewardBalance   string `json:"rewardBalance"`
	YieldBoost      string `json:"yieldBoost"`
	DustBalance     string `json:"dustBalance"`
	LastRewardClaim int64  `json:"lastRewardClaim"`
	RewardWeight    string `json:"rewardWeight"`
}

type poolsResponse struct {
	RewardsPool      string `json:"rewardsPool"`
	TotalValueLocked string `json:"totalValueLocked"`
}

func (s *Server) handleReadPlan(w http.ResponseWriter, r *http.Request) {
	account, err := parseCaller(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	plan, ok, err := s.ledger.GetPlan(account)
	if err != nil {
		s.logger.Error("ledger read failed", "op", "plan", "err", err)
		s.writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no plan for account")
		return
	}
	writeJSON(w, http.StatusOK, planResponse{
		TotalPaid:           plan.TotalPaid.String(),
		BTCAccumulated:      plan.BTCAccumulated.String(),
		TargetBTC:           plan.TargetBTC.String(),
		PeriodicAmount:      plan.PeriodicAmount.String(),
		StartTime:           plan.StartTime,
		LastPaymentTime:     plan.LastPaymentTime,
		Streak:              plan.Streak,
		MaxStreak:           plan.MaxStreak,
		PrepaidDays:         plan.PrepaidDays,
		WithdrawalDelayDays: plan.WithdrawalDelayDays,
		TimePeriodDays:      plan.TimePeriodDays,
		Cadence:             plan.Cadence.String(),
		Status:              plan.Status.String(),
		BitmorEnabled:       plan.BitmorEnabled,
		ThresholdReached:    plan.ThresholdReached,
	})
}

func (s *Server) handleReadExtras(w http.ResponseWriter, r *http.Request) {
	account, err := parseCaller(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	extras, ok, err := s.ledger.GetExtras(account)
	if err != nil {
		s.logger.Error("ledger read failed", "op", "extras", "err", err)
		s.writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no extras for account")
		return
	}
	writeJSON(w, http.StatusOK, extrasResponse{
		RewardBalance:   extras.RewardBalance.String(),
		YieldBoost:      extras.YieldBoost.String(),
		DustBalance:     extras.DustBalance.String(),
		LastRewardClaim: extras.LastRewardClaim,
		RewardWeight:    extras.RewardWeight.String(),
	})
}

func (s *Server) handleReadPools(w http.ResponseWriter, _ *http.Request) {
	pools, err := s.ledger.PoolBalances()
	if err != nil {
		s.logger.Error("ledger read failed", "op", "pools", "err", err)
		s.writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, poolsResponse{
		RewardsPool:      pools.RewardsPool.String(),
		TotalValueLocked: pools.TotalValueLocked.String(),
	})
}
