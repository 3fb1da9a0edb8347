package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Stepan2222000/avito-library/internal/parser"
)

const listingsSchema = `
CREATE TABLE IF NOT EXISTS listings (
	item_id        TEXT PRIMARY KEY,
	title          TEXT,
	price          BIGINT,
	snippet        TEXT,
	location_city  TEXT,
	location_area  TEXT,
	location_extra TEXT,
	seller_name    TEXT,
	seller_id      TEXT,
	seller_rating  DOUBLE PRECISION,
	seller_reviews INTEGER,
	promoted       BOOLEAN NOT NULL DEFAULT FALSE,
	published_ago  TEXT,
	source_url     TEXT NOT NULL DEFAULT '',
	first_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertListingSQL = `
INSERT INTO listings (
	item_id, title, price, snippet,
	location_city, location_area, location_extra,
	seller_name, seller_id, seller_rating, seller_reviews,
	promoted, published_ago, source_url, last_seen_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (item_id) DO UPDATE SET
	title          = EXCLUDED.title,
	price          = EXCLUDED.price,
	snippet        = EXCLUDED.snippet,
	location_city  = EXCLUDED.location_city,
	location_area  = EXCLUDED.location_area,
	location_extra = EXCLUDED.location_extra,
	seller_name    = EXCLUDED.seller_name,
	seller_id      = EXCLUDED.seller_id,
	seller_rating  = EXCLUDED.seller_rating,
	seller_reviews = EXCLUDED.seller_reviews,
	promoted       = EXCLUDED.promoted,
	published_ago  = EXCLUDED.published_ago,
	source_url     = EXCLUDED.source_url,
	last_seen_at   = EXCLUDED.last_seen_at`

// ListingStore persists crawl output. Repeated sightings of the same item
// refresh its row instead of duplicating it.
type ListingStore struct {
	db *DB
}

func NewListingStore(db *DB) *ListingStore {
	return &ListingStore{db: db}
}

func (s *ListingStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.pool.Exec(ctx, listingsSchema); err != nil {
		return fmt.Errorf("failed to create listings table: %w", err)
	}
	return nil
}

// UpsertBatch writes listings in one round trip and returns how many rows
// were sent. Listings without an item id are skipped.
func (s *ListingStore) UpsertBatch(ctx context.Context, sourceURL string, listings []parser.Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	sent := 0
	for _, l := range listings {
		if l.ItemID == "" {
			continue
		}
		batch.Queue(upsertListingSQL,
			l.ItemID, nullable(l.Title), l.Price, nullable(l.Snippet),
			nullable(l.LocationCity), nullable(l.LocationArea), nullable(l.LocationExtra),
			nullable(l.SellerName), nullable(l.SellerID), l.SellerRating, l.SellerReviews,
			l.Promoted, nullable(l.PublishedAgo), sourceURL, now,
		)
		sent++
	}
	if sent == 0 {
		return 0, nil
	}

	results := s.db.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < sent; i++ {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("failed to upsert listing batch at row %d: %w", i, err)
		}
	}
	return sent, nil
}

// RecentListings returns the most recently seen rows, newest first.
func (s *ListingStore) RecentListings(ctx context.Context, limit int) ([]parser.Listing, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT item_id, COALESCE(title, ''), price, COALESCE(snippet, ''),
		       COALESCE(location_city, ''), COALESCE(location_area, ''), COALESCE(location_extra, ''),
		       COALESCE(seller_name, ''), COALESCE(seller_id, ''), seller_rating, seller_reviews,
		       promoted, COALESCE(published_ago, '')
		FROM listings
		ORDER BY last_seen_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var listings []parser.Listing
	for rows.Next() {
		var l parser.Listing
		if err := rows.Scan(
			&l.ItemID, &l.Title, &l.Price, &l.Snippet,
			&l.LocationCity, &l.LocationArea, &l.LocationExtra,
			&l.SellerName, &l.SellerID, &l.SellerRating, &l.SellerReviews,
			&l.Promoted, &l.PublishedAgo,
		); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// nullable maps empty strings to NULL so the schema distinguishes absent
// fields from empty ones.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
