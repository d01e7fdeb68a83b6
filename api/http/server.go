// Package httpapi serves read-only queries against running pools.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"

	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/protocols/clboost/oracle"
	"github.com/defistate/clboost/protocols/clboost/pool"
	"github.com/defistate/clboost/protocols/clboost/position"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pool is the query surface of a pool.
type Pool interface {
	ID() uint64
	Slot0() pool.Slot0
	View() (clboost.Pool, error)
	Period(period uint64) (pool.PeriodInfo, error)
	Position(key common.Hash) (position.Info, bool)
	Observe(secondsAgos []uint32) ([]int64, []*uint256.Int, []*uint256.Int, error)
	SnapshotCumulativesInside(tickLower, tickUpper int32) (pool.CumulativesInside, error)
	PeriodCumulativesInside(period uint64, tickLower, tickUpper int32) (uint256.Int, uint256.Int, error)
	PositionPeriodSecondsInRange(period uint64, owner common.Address, index *big.Int, tickLower, tickUpper int32) (*big.Int, *big.Int, error)
}

// Server bundles dependencies for the HTTP API.
type Server struct {
	router  *chi.Mux
	pools   map[uint64]Pool
	logger  Logger
	started time.Time
}

// NewServer constructs a Server with registered routes.
func NewServer(pools []Pool, logger Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		pools:   make(map[uint64]Pool, len(pools)),
		logger:  logger,
		started: time.Now(),
	}
	for _, p := range pools {
		s.pools[p.ID()] = p
	}

	s.router.Use(middleware.RequestID, middleware.Recoverer)
	s.router.Get("/healthz", s.healthzHandler)
	s.router.Route("/v1/pools", func(r chi.Router) {
		r.Get("/", s.listHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.poolHandler)
			r.Get("/slot0", s.slot0Handler)
			r.Get("/observe", s.observeHandler)
			r.Get("/periods/{period}", s.periodHandler)
			r.Get("/ranges/{lower}/{upper}/snapshot", s.rangeSnapshotHandler)
			r.Get("/ranges/{lower}/{upper}/periods/{period}", s.rangePeriodHandler)
			r.Get("/positions/{key}", s.positionHandler)
			r.Get("/positions/{owner}/{index}/{lower}/{upper}/periods/{period}", s.positionPeriodHandler)
		})
	})
	return s
}

// Handler exposes the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Pools  int    `json:"pools"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type observeResponse struct {
	TickCumulatives                       []int64        `json:"tickCumulatives"`
	SecondsPerLiquidityCumulativeX128s    []*uint256.Int `json:"secondsPerLiquidityCumulativeX128s"`
	SecondsPerBoostedLiquidityPeriodX128s []*uint256.Int `json:"secondsPerBoostedLiquidityPeriodX128s"`
}

type rangePeriodResponse struct {
	SecondsPerLiquidityInsideX128        *uint256.Int `json:"secondsPerLiquidityInsideX128"`
	SecondsPerBoostedLiquidityInsideX128 *uint256.Int `json:"secondsPerBoostedLiquidityInsideX128"`
}

type positionPeriodResponse struct {
	Key                     common.Hash `json:"key"`
	SecondsInsideX96        *big.Int    `json:"secondsInsideX96"`
	BoostedSecondsInsideX96 *big.Int    `json:"boostedSecondsInsideX96"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Millisecond).String(),
		Pools:  len(s.pools),
	})
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	out := make([]clboost.PoolViewMinimal, 0, len(s.pools))
	for _, p := range s.pools {
		v, err := p.View()
		if errors.Is(err, pool.ErrNotInitialized) {
			continue
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, v.PoolViewMinimal)
	}
	slices.SortFunc(out, func(a, b clboost.PoolViewMinimal) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves {id}; it writes the response itself when the pool is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Pool, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pool id"})
		return nil, false
	}
	p, ok := s.pools[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("pool %d not found", id)})
		return nil, false
	}
	return p, true
}

func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	v, err := p.View()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) slot0Handler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	slot0 := p.Slot0()
	writeJSON(w, http.StatusOK, &slot0)
}

func (s *Server) observeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	secondsAgos, err := parseSecondsAgos(r.URL.Query().Get("secondsAgos"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ticks, spl, splBoosted, err := p.Observe(secondsAgos)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, observeResponse{
		TickCumulatives:                       ticks,
		SecondsPerLiquidityCumulativeX128s:    spl,
		SecondsPerBoostedLiquidityPeriodX128s: splBoosted,
	})
}

func parseSecondsAgos(raw string) ([]uint32, error) {
	if raw == "" {
		return []uint32{0}, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint32, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid secondsAgos %q", part)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

func (s *Server) periodHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	period, err := uintParam(r, "period")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	info, err := p.Period(period)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &info)
}

func (s *Server) rangeSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	lower, upper, err := tickParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	out, err := p.SnapshotCumulativesInside(lower, upper)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &out)
}

func (s *Server) rangePeriodHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	lower, upper, err := tickParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	period, err := uintParam(r, "period")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	spl, splBoosted, err := p.PeriodCumulativesInside(period, lower, upper)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rangePeriodResponse{
		SecondsPerLiquidityInsideX128:        &spl,
		SecondsPerBoostedLiquidityInsideX128: &splBoosted,
	})
}

func (s *Server) positionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	raw := chi.URLParam(r, "key")
	if !isHash(raw) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid position key"})
		return
	}
	info, found := p.Position(common.HexToHash(raw))
	if !found {
		s.writeError(w, pool.ErrNoPosition)
		return
	}
	writeJSON(w, http.StatusOK, &info)
}

func isHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func (s *Server) positionPeriodHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	owner := chi.URLParam(r, "owner")
	if !common.IsHexAddress(owner) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid owner"})
		return
	}
	index, ok := new(big.Int).SetString(chi.URLParam(r, "index"), 10)
	if !ok || index.Sign() < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid position index"})
		return
	}
	lower, upper, err := tickParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	period, err := uintParam(r, "period")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	addr := common.HexToAddress(owner)
	secs, boosted, err := p.PositionPeriodSecondsInRange(period, addr, index, lower, upper)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionPeriodResponse{
		Key:                     position.Key(addr, index, lower, upper),
		SecondsInsideX96:        secs,
		BoostedSecondsInsideX96: boosted,
	})
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func tickParams(r *http.Request) (lower, upper int32, err error) {
	l, err := strconv.ParseInt(chi.URLParam(r, "lower"), 10, 32)
	if err != nil {
		return 0, 0, errors.New("invalid lower tick")
	}
	u, err := strconv.ParseInt(chi.URLParam(r, "upper"), 10, 32)
	if err != nil {
		return 0, 0, errors.New("invalid upper tick")
	}
	return int32(l), int32(u), nil
}

// statusOf maps engine errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, pool.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInvalidTickRange),
		errors.Is(err, pool.ErrTickNotInitialized),
		errors.Is(err, pool.ErrFuturePeriod),
		errors.Is(err, pool.ErrPeriodPruned),
		errors.Is(err, oracle.ErrStaleOracleQuery):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("query failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
