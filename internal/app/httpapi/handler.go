package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/ledger/tokenbank"
	"github.com/R3E-Network/coinjoin/internal/app/metrics"
	coinjoinsvc "github.com/R3E-Network/coinjoin/internal/app/services/coinjoin"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// Options configure the HTTP surface.
type Options struct {
	// JWTSecret verifies HS256 bearer tokens.
	JWTSecret []byte
	// RateLimit is the sustained request rate per client; zero disables
	// limiting.
	RateLimit float64
	RateBurst int
	// DevMode exposes the token faucet on Bank.
	DevMode bool
	Bank    *tokenbank.Bank
	// Events serves the websocket event stream when set.
	Events http.Handler
	// AuditWriter receives audit entries as JSON lines.
	AuditWriter io.Writer
	AuditSize   int
	Logger      *logger.Logger
}

// handler bundles HTTP endpoints for the coinjoin service.
type handler struct {
	svc   *coinjoinsvc.Service
	opts  Options
	audit *auditLog
	log   *logger.Logger
}

// NewHandler returns a router exposing the coinjoin REST API.
func NewHandler(svc *coinjoinsvc.Service, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		svc:   svc,
		opts:  opts,
		audit: newAuditLog(opts.AuditSize, opts.AuditWriter),
		log:   log,
	}

	root := mux.NewRouter()
	// The websocket upgrade needs the raw writer, so it bypasses the
	// instrumented subrouter.
	if opts.Events != nil {
		root.Handle("/ws/events", opts.Events).Methods(http.MethodGet)
	}

	api := root.PathPrefix("/").Subrouter()
	api.Use(metrics.InstrumentHandler)
	if opts.RateLimit > 0 {
		api.Use(newRateLimiter(opts.RateLimit, opts.RateBurst, log).Middleware)
	}

	api.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	api.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api.HandleFunc("/coinjoin/config", h.config).Methods(http.MethodGet)
	api.HandleFunc("/coinjoin/config", h.authenticate(h.audited("initialize_config", h.initializeConfig))).Methods(http.MethodPost)
	api.HandleFunc("/coinjoin/enabled", h.enabled).Methods(http.MethodGet)
	api.HandleFunc("/coinjoin/enabled", h.authenticate(h.audited("set_enabled", h.setEnabled))).Methods(http.MethodPut)
	api.HandleFunc("/coinjoin/audit", h.authenticate(h.auditTrail)).Methods(http.MethodGet)

	api.HandleFunc("/coinjoin/pools", h.listPools).Methods(http.MethodGet)
	api.HandleFunc("/coinjoin/pools", h.authenticate(h.audited("init_pool", h.initPool))).Methods(http.MethodPost)
	api.HandleFunc("/coinjoin/pools/{symbol}/stats", h.poolStats).Methods(http.MethodGet)
	api.HandleFunc("/coinjoin/pools/{symbol}/deposits", h.authenticate(h.deposit)).Methods(http.MethodPost)
	api.HandleFunc("/coinjoin/pools/{symbol}/deposits/{index}", h.depositDetails).Methods(http.MethodGet)
	api.HandleFunc("/coinjoin/pools/{symbol}/mix", h.authenticate(h.audited("execute_mixing", h.mix))).Methods(http.MethodPost)
	api.HandleFunc("/coinjoin/pools/{symbol}/prune", h.authenticate(h.audited("prune_expired", h.prune))).Methods(http.MethodPost)
	api.HandleFunc("/coinjoin/pools/{symbol}/rounds", h.rounds).Methods(http.MethodGet)

	if opts.DevMode && opts.Bank != nil {
		api.HandleFunc("/dev/mint", h.authenticate(h.mint)).Methods(http.MethodPost)
		api.HandleFunc("/dev/balances/{address}", h.balance).Methods(http.MethodGet)
	}
	return root
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"coinjoin_enabled": h.svc.IsEnabled(),
		"pools":            len(h.svc.Pools()),
	})
}

func (h *handler) config(w http.ResponseWriter, _ *http.Request) {
	cfg, err := h.svc.Config()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handler) initializeConfig(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Factory domain.Address `json:"factory"`
		Router  domain.Address `json:"router"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := h.svc.InitializeConfig(r.Context(), subjectFrom(r.Context()), payload.Factory, payload.Router)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *handler) enabled(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"coinjoin_enabled": h.svc.IsEnabled()})
}

func (h *handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	if err := h.svc.SetEnabled(r.Context(), subjectFrom(r.Context()), *payload.Enabled); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"coinjoin_enabled": *payload.Enabled})
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.Config()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if subjectFrom(r.Context()) != cfg.Owner {
		writeServiceError(w, domain.ErrUnauthorized)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.recent(limit))
}

func (h *handler) listPools(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.ListStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) initPool(w http.ResponseWriter, r *http.Request) {
	var params domain.PoolParams
	if err := decodeJSON(r.Body, &params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := h.svc.InitPool(r.Context(), subjectFrom(r.Context()), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *handler) poolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type depositPayload struct {
	Amount           uint64         `json:"amount"`
	ReceivingAddress domain.Address `json:"receiving_address"`
	MinAmountOut     uint64         `json:"min_amount_out"`
	MaxSlippageBps   uint32         `json:"max_slippage_bps"`
	ExpiresAt        *time.Time     `json:"expiry_timestamp,omitempty"`
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var payload depositPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := domain.DepositRequest{
		Amount:           payload.Amount,
		Depositor:        subjectFrom(r.Context()),
		ReceivingAddress: payload.ReceivingAddress,
		MinAmountOut:     payload.MinAmountOut,
		MaxSlippageBps:   payload.MaxSlippageBps,
	}
	if payload.ExpiresAt != nil {
		req.ExpiresAt = *payload.ExpiresAt
	}
	receipt, err := h.svc.Deposit(r.Context(), mux.Vars(r)["symbol"], req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *handler) depositDetails(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid deposit index %q", vars["index"]))
		return
	}
	info, err := h.svc.DepositDetails(r.Context(), vars["symbol"], index)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) mix(w http.ResponseWriter, r *http.Request) {
	var req domain.MixRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.svc.ExecuteMixing(r.Context(), mux.Vars(r)["symbol"], req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) prune(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.PruneExpired(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) rounds(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rounds, err := h.svc.Rounds(r.Context(), mux.Vars(r)["symbol"], limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Address domain.Address `json:"address"`
		Amount  uint64         `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Address.IsZero() {
		payload.Address = subjectFrom(r.Context())
	}
	if err := h.opts.Bank.Mint(r.Context(), payload.Address, payload.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.log.WithField("amount", payload.Amount).Debug("dev faucet minted tokens")
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": h.opts.Bank.Balance(r.Context(), payload.Address)})
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	addr := domain.Address(mux.Vars(r)["address"])
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": h.opts.Bank.Balance(r.Context(), addr)})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
