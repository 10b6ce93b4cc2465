package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"position-relayer/internal/oracle"
	"position-relayer/internal/rescue"
)

const maxConfigBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type priceResponse struct {
	Token     string        `json:"token"`
	Type      oracle.Kind   `json:"type"`
	PriceUSD  string        `json:"priceUSD"`
	Source    oracle.Source `json:"source"`
	FetchedAt int64         `json:"fetchedAt"`
	Staleness int64         `json:"stalenessSec"`
}

type oracleStatsResponse struct {
	oracle.CacheStats
	Breaker *oracle.BreakerState `json:"breaker,omitempty"`
}

type handlers struct {
	deps   Dependencies
	logger zerolog.Logger
}

func (h *handlers) breakerOpen() bool {
	return h.deps.Breaker != nil && h.deps.Breaker.State().Open
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) metrics(w http.ResponseWriter, _ *http.Request) {
	snap := h.deps.Counters.Snapshot()
	switch {
	case h.deps.Breaker == nil:
	case h.breakerOpen():
		snap.BreakerState = "open"
	default:
		snap.BreakerState = "closed"
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) oracleStats(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "price oracle not configured", "")
		return
	}
	resp := oracleStatsResponse{CacheStats: h.deps.Oracle.GetCacheStats()}
	if h.deps.Breaker != nil {
		state := h.deps.Breaker.State()
		resp.Breaker = &state
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) oraclePrice(w http.ResponseWriter, r *http.Request) {
	h.price(w, r, false)
}

func (h *handlers) oracleRefresh(w http.ResponseWriter, r *http.Request) {
	h.price(w, r, true)
}

func (h *handlers) price(w http.ResponseWriter, r *http.Request, refresh bool) {
	if h.deps.Oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "price oracle not configured", "")
		return
	}
	raw := mux.Vars(r)["token"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "token must be a hex address", "token")
		return
	}
	kind, err := oracle.ParseKind(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "type")
		return
	}
	token := common.HexToAddress(raw)

	var point oracle.PricePoint
	if refresh {
		point, err = h.deps.Oracle.RefreshTokenPrice(r.Context(), token, kind)
	} else {
		point, err = h.deps.Oracle.GetTokenPrice(r.Context(), token, kind)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("token", token.Hex()).Bool("refresh", refresh).Msg("price lookup failed")
		writeError(w, http.StatusBadGateway, err.Error(), "")
		return
	}

	writeJSON(w, http.StatusOK, priceResponse{
		Token:     token.Hex(),
		Type:      kind,
		PriceUSD:  point.PriceUSD.String(),
		Source:    point.Source,
		FetchedAt: point.FetchedAt.UnixMilli(),
		Staleness: int64(point.Staleness.Seconds()),
	})
}

func (h *handlers) botStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Bot == nil {
		writeError(w, http.StatusServiceUnavailable, "rescue bot not configured", "")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Bot.GetStatus())
}

func (h *handlers) botHistory(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Bot == nil {
		writeError(w, http.StatusServiceUnavailable, "rescue bot not configured", "")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Bot.GetHistory())
}

func (h *handlers) botConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bot == nil {
		writeError(w, http.StatusServiceUnavailable, "rescue bot not configured", "")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error(), "")
		return
	}

	upd, err := rescue.DecodeConfigUpdate(body)
	if err == nil {
		_, err = h.deps.Bot.UpdateConfig(r.Context(), upd)
	}
	if err != nil {
		var vErr *rescue.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error(), vErr.Field)
			return
		}
		h.logger.Error().Err(err).Msg("bot config update failed")
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Bot.GetStatus())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, field string) {
	writeJSON(w, status, errorResponse{Error: msg, Field: field})
}
