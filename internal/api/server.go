package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"liquidity-jackpot/internal/engine"
	"liquidity-jackpot/internal/model"
	"liquidity-jackpot/internal/ws"
)

// Accounts is the user and wallet side of the store.
type Accounts interface {
	CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateWallet(ctx context.Context, userID string) error
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	DepositWallet(ctx context.Context, userID string, amount *uint256.Int) (*model.Wallet, error)
	ListEvents(ctx context.Context, marketID *string, limit int) ([]model.EventLog, error)
	GetCustody(ctx context.Context) (*uint256.Int, error)
}

type Config struct {
	Secret        string
	RateLimitRPS  float64 // 0 disables
	RateBurst     int
	DefaultPeriod int64
}

type Server struct {
	store   Accounts
	manager *engine.Manager
	hub     *ws.Hub
	secret  []byte
	cfg     Config
	log     *slog.Logger
}

func NewServer(store Accounts, mgr *engine.Manager, hub *ws.Hub, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultPeriod <= 0 {
		cfg.DefaultPeriod = engine.DefaultPeriod
	}
	return &Server{
		store:   store,
		manager: mgr,
		hub:     hub,
		secret:  []byte(cfg.Secret),
		cfg:     cfg,
		log:     log.With("component", "api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(newIPLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateBurst).middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	// Reads and the clock trigger are public.
	r.Get("/api/markets", s.listMarkets)
	r.Get("/api/markets/{id}", s.getMarket)
	r.Get("/api/markets/{id}/rounds/{ts}", s.getRound)
	r.Post("/api/markets/{id}/poke", s.poke)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/me", s.me)
		r.Get("/api/wallet", s.getWallet)
		r.Get("/api/positions", s.listPositions)

		r.Post("/api/markets/{id}/bets", s.placeBet)
		r.Post("/api/markets/{id}/cashout/quote", s.quoteCashout)
		r.Post("/api/markets/{id}/cashout", s.cashout)
		r.Post("/api/markets/{id}/redeem", s.redeem)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/admin/markets/{id}/liquidity", s.updateLiquidity)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/events", s.listEvents)
			r.Get("/api/admin/metrics", s.metrics)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		s.log.Error("create user", "err", err)
		jsonErr(w, 500, "create user failed")
		return
	}
	if err := s.store.CreateWallet(r.Context(), user.ID); err != nil {
		s.log.Error("create wallet", "user", user.ID, "err", err)
		jsonErr(w, 500, "create wallet failed")
		return
	}

	json200(w, map[string]any{"user": user, "token": s.makeToken(user.ID, user.Role)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	json200(w, map[string]any{"user": user, "token": s.makeToken(user.ID, user.Role)})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		if userID == "" {
			jsonErr(w, 401, "invalid claims")
			return
		}
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{limit: limit, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets[ip] = lim
	}
	return lim
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.get(ip).Allow() {
			w.Header().Set("Retry-After", "1")
			jsonErr(w, 429, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// engineErr maps engine errors onto HTTP statuses. Invariant breaches are
// logged and reported without detail.
func (s *Server) engineErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case engine.IsFatal(err):
		s.log.Error("invariant breach", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		jsonErr(w, 500, "internal error")
	case errors.Is(err, engine.ErrMarketNotFound):
		jsonErr(w, 404, err.Error())
	case errors.Is(err, engine.ErrMarketExists), errors.Is(err, engine.ErrMarketBusy):
		jsonErr(w, 409, err.Error())
	case errors.Is(err, engine.ErrMarketHalted):
		jsonErr(w, 503, engine.ErrMarketHalted.Error())
	case errors.Is(err, engine.ErrClockSkew):
		jsonErr(w, 503, engine.ErrClockSkew.Error())
	case errors.Is(err, engine.ErrNothingToClaim),
		errors.Is(err, engine.ErrNotEnoughToClaim),
		errors.Is(err, engine.ErrNotClaimableLong),
		errors.Is(err, engine.ErrNotClaimableShort),
		errors.Is(err, engine.ErrNotJackpotTime),
		errors.Is(err, engine.ErrNothingToCashout),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrLiquidityReadOnly):
		jsonErr(w, 400, err.Error())
	default:
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		jsonErr(w, 500, "internal error")
	}
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}
