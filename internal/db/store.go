package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/engine"
	"liquidity-jackpot/internal/model"
)

type Store struct{ DB *sql.DB }

var _ engine.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (engine.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, role, created_at`, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ── Wallets ──────────────────────────────────────────

func (s *Store) CreateWallet(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, userID)
	return err
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	var bal Numeric
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.UserID, &bal)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	w.Balance = bal.Int()
	return w, err
}

func (s *Store) DepositWallet(ctx context.Context, userID string, amount *uint256.Int) (*model.Wallet, error) {
	w := &model.Wallet{}
	var bal Numeric
	err := s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET balance = balance + $1::numeric WHERE user_id=$2
		 RETURNING user_id, balance`, amount.Dec(), userID,
	).Scan(&w.UserID, &bal)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	w.Balance = bal.Int()
	return w, err
}

// ── Markets ──────────────────────────────────────────

const marketCols = `id, slug, title, period_seconds, next_settlement, created_at`

func scanMarket(sc interface{ Scan(...any) error }) (*model.Market, error) {
	var m model.Market
	var id string
	if err := sc.Scan(&id, &m.Slug, &m.Title, &m.PeriodSeconds, &m.NextSettlement, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ID = common.HexToHash(id)
	return &m, nil
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+marketCols+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ── Positions ────────────────────────────────────────

func (s *Store) ListPositions(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT p.id, p.market_id, p.stake, p.side, p.reference_liquidity, p.round, b.balance
		 FROM position_balances b JOIN positions p ON p.id = b.position_id
		 WHERE b.owner=$1 AND b.balance > 0 ORDER BY p.round, p.id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		var id, market string
		var stake, ref, bal Numeric
		p := model.Position{Owner: owner}
		if err := rows.Scan(&id, &market, &stake, &p.Key.Side, &ref, &p.Key.Round, &bal); err != nil {
			return nil, err
		}
		p.ID = common.HexToHash(id)
		p.Key.MarketID = common.HexToHash(market)
		p.Key.Stake, p.Key.ReferenceLiquidity, p.Balance = stake.Int(), ref.Int(), bal.Int()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Event Log ────────────────────────────────────────

func (s *Store) ListEvents(ctx context.Context, marketID *string, limit int) ([]model.EventLog, error) {
	q := `SELECT id, market_id, type, payload_json, created_at FROM event_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, *marketID)
	}
	q += ` ORDER BY id DESC LIMIT ` + fmt.Sprintf("%d", limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.PayloadJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Custody ──────────────────────────────────────────

// GetCustody returns the currency held for all open pots.
func (s *Store) GetCustody(ctx context.Context) (*uint256.Int, error) {
	var c Numeric
	err := s.DB.QueryRowContext(ctx, `SELECT balance FROM custody WHERE id=1`).Scan(&c)
	return c.Int(), err
}

// ── Tx ───────────────────────────────────────────────

// Tx implements engine.Tx over one database transaction. Market rows are
// read FOR UPDATE so commands on one market serialize across instances.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error { return t.tx.Commit() }

func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *Tx) GetMarket(ctx context.Context, id common.Hash) (*model.Market, error) {
	m, err := scanMarket(t.tx.QueryRowContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id=$1 FOR UPDATE`, id.Hex()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (t *Tx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO markets (id, slug, title, period_seconds, next_settlement, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID.Hex(), m.Slug, m.Title, m.PeriodSeconds, m.NextSettlement, m.CreatedAt)
	if isUniqueViolation(err) {
		return engine.ErrMarketExists
	}
	return err
}

func (t *Tx) SetNextSettlement(ctx context.Context, id common.Hash, ts int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE markets SET next_settlement=$1 WHERE id=$2`, ts, id.Hex())
	if err != nil {
		return err
	}
	return expectOne(res, engine.ErrMarketNotFound)
}

func (t *Tx) GetRound(ctx context.Context, market common.Hash, ts int64) (*model.Round, error) {
	var pot, claims, settled Numeric
	err := t.tx.QueryRowContext(ctx,
		`SELECT pot, remaining_claims, settled_liquidity FROM rounds
		 WHERE market_id=$1 AND settlement_time=$2 FOR UPDATE`, market.Hex(), ts,
	).Scan(&pot, &claims, &settled)
	if err == sql.ErrNoRows {
		return model.NewRound(market, ts), nil
	}
	if err != nil {
		return nil, err
	}
	return &model.Round{
		MarketID:         market,
		SettlementTime:   ts,
		Pot:              pot.Int(),
		RemainingClaims:  claims.Int(),
		SettledLiquidity: settled.Int(),
	}, nil
}

func (t *Tx) PutRound(ctx context.Context, r *model.Round) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO rounds (market_id, settlement_time, pot, remaining_claims, settled_liquidity)
		 VALUES ($1,$2,$3::numeric,$4::numeric,$5::numeric)
		 ON CONFLICT (market_id, settlement_time) DO UPDATE
		 SET pot=EXCLUDED.pot, remaining_claims=EXCLUDED.remaining_claims, settled_liquidity=EXCLUDED.settled_liquidity`,
		r.MarketID.Hex(), r.SettlementTime, r.Pot.Dec(), r.RemainingClaims.Dec(), r.SettledLiquidity.Dec())
	return err
}

func (t *Tx) Mint(ctx context.Context, owner string, id common.Hash, key model.PositionKey, amount *uint256.Int) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (id, market_id, stake, side, reference_liquidity, round)
		 VALUES ($1,$2,$3::numeric,$4,$5::numeric,$6) ON CONFLICT (id) DO NOTHING`,
		id.Hex(), key.MarketID.Hex(), key.Stake.Dec(), key.Side, key.ReferenceLiquidity.Dec(), key.Round,
	); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO position_balances (owner, position_id, balance) VALUES ($1,$2,$3::numeric)
		 ON CONFLICT (owner, position_id) DO UPDATE SET balance = position_balances.balance + EXCLUDED.balance`,
		owner, id.Hex(), amount.Dec())
	return err
}

func (t *Tx) Burn(ctx context.Context, owner string, id common.Hash, amount *uint256.Int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE position_balances SET balance = balance - $1::numeric
		 WHERE owner=$2 AND position_id=$3 AND balance >= $1::numeric`,
		amount.Dec(), owner, id.Hex())
	if err != nil {
		return err
	}
	return expectOne(res, engine.ErrInsufficientBalance)
}

func (t *Tx) BalanceOf(ctx context.Context, owner string, id common.Hash) (*uint256.Int, error) {
	var bal Numeric
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance FROM position_balances WHERE owner=$1 AND position_id=$2 FOR UPDATE`,
		owner, id.Hex()).Scan(&bal)
	if err == sql.ErrNoRows {
		return new(uint256.Int), nil
	}
	return bal.Int(), err
}

func (t *Tx) Collect(ctx context.Context, owner string, amount *uint256.Int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = balance - $1::numeric WHERE user_id=$2 AND balance >= $1::numeric`,
		amount.Dec(), owner)
	if err != nil {
		return err
	}
	if err := expectOne(res, engine.ErrInsufficientFunds); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE custody SET balance = balance + $1::numeric WHERE id=1`, amount.Dec())
	return err
}

func (t *Tx) Pay(ctx context.Context, owner string, amount *uint256.Int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE custody SET balance = balance - $1::numeric WHERE id=1 AND balance >= $1::numeric`, amount.Dec())
	if err != nil {
		return err
	}
	if err := expectOne(res, engine.ErrInsufficientCustody); err != nil {
		return err
	}
	res, err = t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = balance + $1::numeric WHERE user_id=$2`, amount.Dec(), owner)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Errorf("wallet %s not found", owner))
}

func (t *Tx) AppendEvent(ctx context.Context, market common.Hash, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO event_log (market_id, type, payload_json) VALUES ($1,$2,$3)`,
		market.Hex(), evType, b,
	)
	return err
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return notFound
	}
	return nil
}
