package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"auction-engine/internal/models"
)

// Sentinel errors surfaced to the bid pipeline.
var (
	ErrAuctionNotFound = errors.New("auction not found")
	ErrCommitConflict  = errors.New("bid commit conflicted with a newer price")
)

// Store wraps pgxpool for Postgres persistence. It is the sole durable owner
// of auctions, bids, jobs, and stats.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetAuction fetches one auction by id.
func (s *Store) GetAuction(ctx context.Context, id string) (models.Auction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, seller_id, car_id, start_price, current_price, minimum_increment,
		       start_date, end_date, status, created_at, updated_at
		FROM auctions WHERE id = $1
	`, id)

	var a models.Auction
	err := row.Scan(&a.ID, &a.SellerID, &a.CarID, &a.StartPrice, &a.CurrentPrice,
		&a.MinimumIncrement, &a.StartDate, &a.EndDate, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Auction{}, fmt.Errorf("auction %s: %w", id, ErrAuctionNotFound)
	}
	if err != nil {
		return models.Auction{}, fmt.Errorf("scan auction: %w", err)
	}
	return a, nil
}

// ListBids returns all bids for an auction ordered by amount descending.
func (s *Store) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, auction_id, bidder_id, amount, created_at
		FROM bids WHERE auction_id = $1
		ORDER BY amount DESC, created_at ASC
	`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	bids := make([]models.Bid, 0)
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// MaxBidAmount returns the highest persisted bid amount for an auction, or
// zero when no bids exist. The pipeline combines this with the stored
// current_price to defend against price drift.
func (s *Store) MaxBidAmount(ctx context.Context, auctionID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(amount), 0) FROM bids WHERE auction_id = $1
	`, auctionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max bid: %w", err)
	}
	return max, nil
}

// CommitBid atomically inserts the bid row and raises the auction's
// current_price in one transaction. Both succeed or both fail; a reader never
// observes the bid without the price or vice versa. The conditional update
// rejects the commit if the stored price already moved past the bid.
func (s *Store) CommitBid(ctx context.Context, bid models.Bid) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, bid.ID, bid.AuctionID, bid.BidderID, bid.Amount, bid.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE auctions SET current_price = $2, updated_at = NOW()
		WHERE id = $1 AND current_price < $2
	`, bid.AuctionID, bid.Amount)
	if err != nil {
		return fmt.Errorf("update current price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCommitConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ActivateDue bulk-transitions UPCOMING auctions whose window has opened.
// The status guard makes concurrent sweeps idempotent.
func (s *Store) ActivateDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE auctions SET status = $1, updated_at = NOW()
		WHERE status = $2 AND start_date <= $3 AND end_date > $3
		RETURNING id
	`, models.AuctionActive, models.AuctionUpcoming, now)
	if err != nil {
		return nil, fmt.Errorf("activate due auctions: %w", err)
	}
	return collectIDs(rows)
}

// EndExpired bulk-transitions ACTIVE auctions whose end date has passed.
func (s *Store) EndExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE auctions SET status = $1, updated_at = NOW()
		WHERE status = $2 AND end_date <= $3
		RETURNING id
	`, models.AuctionEnded, models.AuctionActive, now)
	if err != nil {
		return nil, fmt.Errorf("end expired auctions: %w", err)
	}
	return collectIDs(rows)
}

// FreshenAuction applies both lifecycle transitions to a single auction and
// returns the resulting row. The pipeline calls this right before validating
// a bid to close the race between "just ended" and "about to be admitted".
func (s *Store) FreshenAuction(ctx context.Context, id string, now time.Time) (models.Auction, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE auctions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND start_date <= $4 AND end_date > $4
	`, id, models.AuctionActive, models.AuctionUpcoming, now)
	if err != nil {
		return models.Auction{}, fmt.Errorf("freshen activate: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE auctions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND end_date <= $4
	`, id, models.AuctionEnded, models.AuctionActive, now)
	if err != nil {
		return models.Auction{}, fmt.Errorf("freshen end: %w", err)
	}
	return s.GetAuction(ctx, id)
}

// CountByStatus reports how many auctions sit in each lifecycle state; the
// admin status probe serves this.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM auctions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count auctions by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RecomputeAuctionStats rebuilds the aggregate row for one auction from the
// bid ledger.
func (s *Store) RecomputeAuctionStats(ctx context.Context, auctionID string) (models.AuctionStats, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO auction_stats (auction_id, bid_count, highest_amount, unique_bidders, computed_at)
		SELECT $1, COUNT(*), COALESCE(MAX(amount), 0), COUNT(DISTINCT bidder_id), NOW()
		FROM bids WHERE auction_id = $1
		ON CONFLICT (auction_id) DO UPDATE
		SET bid_count = EXCLUDED.bid_count,
		    highest_amount = EXCLUDED.highest_amount,
		    unique_bidders = EXCLUDED.unique_bidders,
		    computed_at = EXCLUDED.computed_at
		RETURNING auction_id, bid_count, highest_amount, unique_bidders, computed_at
	`, auctionID)

	var st models.AuctionStats
	if err := row.Scan(&st.AuctionID, &st.BidCount, &st.HighestAmount, &st.UniqueBidders, &st.ComputedAt); err != nil {
		return models.AuctionStats{}, fmt.Errorf("recompute stats: %w", err)
	}
	return st, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
