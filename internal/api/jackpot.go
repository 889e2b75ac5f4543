package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"liquidity-jackpot/internal/engine"
	"liquidity-jackpot/internal/model"
)

// marketID accepts a 0x-prefixed 32-byte id or a market slug.
func marketID(raw string) (common.Hash, error) {
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		b, err := hexutil.Decode(raw)
		if err != nil || len(b) != common.HashLength {
			return common.Hash{}, fmt.Errorf("market id must be 32 bytes of hex")
		}
		return common.BytesToHash(b), nil
	}
	if raw == "" {
		return common.Hash{}, fmt.Errorf("market id required")
	}
	return model.MarketIDFromSlug(raw), nil
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*engine.MarketEngine, bool) {
	id, err := marketID(chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, 400, err.Error())
		return nil, false
	}
	eng := s.manager.GetEngine(id)
	if eng == nil {
		jsonErr(w, 404, engine.ErrMarketNotFound.Error())
		return nil, false
	}
	return eng, true
}

// ── Wallet ───────────────────────────────────────────

func walletView(wallet *model.Wallet) map[string]string {
	return map[string]string{"user_id": wallet.UserID, "balance": wallet.Balance.Dec()}
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), userID(r))
	if err != nil || wallet == nil {
		jsonErr(w, 404, "wallet not found")
		return
	}
	json200(w, walletView(wallet))
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), userID(r))
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	if user == nil {
		jsonErr(w, 404, "user not found")
		return
	}
	out := map[string]any{"user": user}
	if wallet, err := s.store.GetWallet(r.Context(), user.ID); err == nil && wallet != nil {
		out["wallet"] = walletView(wallet)
	}
	json200(w, out)
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.manager.ListMarkets(r.Context())
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	mkt, err := s.manager.Market(r.Context(), id)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, mkt)
}

func (s *Server) getRound(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	ts, err := strconv.ParseInt(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "round must be a unix timestamp")
		return
	}
	round, err := s.manager.Round(r.Context(), id, ts)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, model.NewRoundView(round))
}

// poke runs the round clock and nothing else. Anyone may call it.
func (s *Server) poke(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	advanced, err := eng.Poke()
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, map[string]bool{"advanced": advanced})
}

// ── Bets ─────────────────────────────────────────────

func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req model.PlaceBetReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	stake, err := model.ParseAmount(req.Stake)
	if err != nil {
		jsonErr(w, 400, "stake: "+err.Error())
		return
	}
	receipt, err := eng.PlaceBet(userID(r), side, stake)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, model.NewPositionView(receipt.PositionID, receipt.Key, nil))
}

func (s *Server) decodeKey(w http.ResponseWriter, eng *engine.MarketEngine, req *model.PositionReq) (model.PositionKey, bool) {
	key, err := req.Key(eng.MarketID())
	if err != nil {
		jsonErr(w, 400, err.Error())
		return model.PositionKey{}, false
	}
	return key, true
}

func (s *Server) cashout(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req model.PositionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	key, ok := s.decodeKey(w, eng, &req)
	if !ok {
		return
	}
	res, err := eng.Cashout(userID(r), key)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, map[string]string{
		"position_id": res.PositionID.Hex(),
		"burned":      res.Burned.Dec(),
		"payout":      res.Payout.Dec(),
	})
}

func (s *Server) quoteCashout(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req model.PositionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	key, ok := s.decodeKey(w, eng, &req)
	if !ok {
		return
	}
	q, err := eng.QuoteCashout(userID(r), key)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, map[string]string{
		"position_id":   q.PositionID.Hex(),
		"balance":       q.Balance.Dec(),
		"time_fraction": q.TimeFraction.Dec(),
		"decay":         q.Decay.Dec(),
		"state":         q.State.Dec(),
		"gross":         q.Gross.Dec(),
		"fee":           q.Fee.Dec(),
		"net":           q.Net.Dec(),
	})
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req model.RedeemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	key, ok := s.decodeKey(w, eng, &req.PositionReq)
	if !ok {
		return
	}
	claim, err := model.ParseAmount(req.Claim)
	if err != nil {
		jsonErr(w, 400, "claim: "+err.Error())
		return
	}
	res, err := eng.Redeem(userID(r), key, claim)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, map[string]string{
		"position_id": res.PositionID.Hex(),
		"claimed":     res.Claimed.Dec(),
		"payout":      res.Payout.Dec(),
	})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.manager.Positions(r.Context(), userID(r))
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	out := make([]model.PositionView, len(positions))
	for i, p := range positions {
		out[i] = model.NewPositionView(p.ID, p.Key, p.Balance)
	}
	json200(w, out)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PoolID           string `json:"pool_id"`
		Slug             string `json:"slug"`
		Title            string `json:"title"`
		PeriodSeconds    int64  `json:"period_seconds"`
		InitialLiquidity string `json:"initial_liquidity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Slug == "" {
		jsonErr(w, 400, "slug required")
		return
	}
	if req.PeriodSeconds < 0 {
		jsonErr(w, 400, "period_seconds must be > 0")
		return
	}
	p := engine.CreateMarketParams{Slug: req.Slug, Title: req.Title, PeriodSeconds: req.PeriodSeconds}
	if p.PeriodSeconds == 0 {
		p.PeriodSeconds = s.cfg.DefaultPeriod
	}
	if req.PoolID != "" {
		id, err := marketID(req.PoolID)
		if err != nil || !strings.HasPrefix(strings.ToLower(req.PoolID), "0x") {
			jsonErr(w, 400, "pool_id must be 32 bytes of hex")
			return
		}
		p.ID = &id
	}
	if req.InitialLiquidity != "" {
		v, err := model.ParseAmount(req.InitialLiquidity)
		if err != nil {
			jsonErr(w, 400, "initial_liquidity: "+err.Error())
			return
		}
		p.InitialLiquidity = v
	}
	mkt, err := s.manager.CreateMarket(r.Context(), p)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, mkt)
}

func (s *Server) updateLiquidity(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req struct {
		Liquidity string `json:"liquidity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	v, err := model.ParseAmount(req.Liquidity)
	if err != nil {
		jsonErr(w, 400, "liquidity: "+err.Error())
		return
	}
	if err := eng.UpdateLiquidity(v); err != nil {
		s.engineErr(w, r, err)
		return
	}
	json200(w, map[string]string{"market_id": eng.MarketID().Hex(), "liquidity": v.Dec()})
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	amount, err := model.ParseAmount(req.Amount)
	if req.UserID == "" || err != nil || amount.IsZero() {
		jsonErr(w, 400, "user_id and amount > 0 required")
		return
	}
	wallet, err := s.store.DepositWallet(r.Context(), req.UserID, amount)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	if wallet == nil {
		jsonErr(w, 404, "wallet not found")
		return
	}
	json200(w, walletView(wallet))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	var mp *string
	if raw := r.URL.Query().Get("market_id"); raw != "" {
		id, err := marketID(raw)
		if err != nil {
			jsonErr(w, 400, err.Error())
			return
		}
		hex := id.Hex()
		mp = &hex
	}
	events, err := s.store.ListEvents(r.Context(), mp, limit)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	markets, err := s.manager.ListMarkets(ctx)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	custody, err := s.store.GetCustody(ctx)
	if err != nil {
		s.engineErr(w, r, err)
		return
	}
	halted := 0
	for _, eng := range s.manager.Engines() {
		if eng.Halted() {
			halted++
		}
	}
	json200(w, map[string]any{
		"total_markets":  len(markets),
		"running":        len(s.manager.Engines()),
		"halted_markets": halted,
		"custody":        custody.Dec(),
	})
}
