package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"resellpilot/internal/strategy"
)

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingDelisted ListingStatus = "delisted"
	ListingSold     ListingStatus = "sold"
)

// Listing is one item published on one channel.
type Listing struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	ItemID        string        `json:"item_id"`
	Title         string        `json:"title"`
	Channel       string        `json:"channel"`
	ExternalID    string        `json:"external_id,omitempty"`
	AskingPrice   float64       `json:"asking_price"`
	Price         float64       `json:"price"`
	FloorPrice    *float64      `json:"floor_price,omitempty"`
	CostBasis     *float64      `json:"cost_basis,omitempty"`
	ListedAt      *time.Time    `json:"listed_at,omitempty"`
	PublishedAt   *time.Time    `json:"published_at,omitempty"`
	LastRepriceAt *time.Time    `json:"last_reprice_at,omitempty"`
	OfferCount    int           `json:"offer_count"`
	Status        ListingStatus `json:"status"`
}

// RepricingContext builds the evaluator input for the listing at now.
func (l Listing) RepricingContext(now time.Time) strategy.Context {
	start := l.ListedAt
	if start == nil {
		start = l.PublishedAt
	}
	days := 0
	if start != nil && now.After(*start) {
		days = int(math.Floor(now.Sub(*start).Hours() / 24))
	}
	return strategy.Context{
		UserID: l.UserID,
		Item: strategy.Item{
			ID:          l.ItemID,
			Title:       l.Title,
			AskingPrice: l.AskingPrice,
			FloorPrice:  l.FloorPrice,
			ListedAt:    l.ListedAt,
			CostBasis:   l.CostBasis,
		},
		Listing: strategy.Listing{
			ID:          l.ID,
			Channel:     l.Channel,
			ExternalID:  l.ExternalID,
			Price:       l.Price,
			PublishedAt: l.PublishedAt,
		},
		CurrentPrice:  l.Price,
		FloorPrice:    l.FloorPrice,
		DaysListed:    days,
		Offers:        l.OfferCount,
		LastRepriceAt: l.LastRepriceAt,
	}
}

const listingColumns = `id, user_id, item_id, title, channel, external_id, asking_price, price,
	floor_price, cost_basis, listed_at, published_at, last_reprice_at, offer_count, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(s rowScanner) (Listing, error) {
	var (
		l                                 Listing
		externalID                        sql.NullString
		floor, cost                       sql.NullFloat64
		listedAt, publishedAt, repricedAt sql.NullInt64
	)
	err := s.Scan(&l.ID, &l.UserID, &l.ItemID, &l.Title, &l.Channel, &externalID, &l.AskingPrice,
		&l.Price, &floor, &cost, &listedAt, &publishedAt, &repricedAt, &l.OfferCount, &l.Status)
	if err != nil {
		return Listing{}, err
	}
	l.ExternalID = externalID.String
	l.FloorPrice, l.CostBasis = floatPtr(floor), floatPtr(cost)
	l.ListedAt, l.PublishedAt, l.LastRepriceAt = timePtr(listedAt), timePtr(publishedAt), timePtr(repricedAt)
	return l, nil
}

// SaveListing inserts or replaces a listing.
func (s *Store) SaveListing(ctx context.Context, l Listing) error {
	if l.Status == "" {
		l.Status = ListingActive
	}
	var externalID any
	if l.ExternalID != "" {
		externalID = l.ExternalID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			channel = excluded.channel,
			external_id = excluded.external_id,
			asking_price = excluded.asking_price,
			price = excluded.price,
			floor_price = excluded.floor_price,
			cost_basis = excluded.cost_basis,
			listed_at = excluded.listed_at,
			published_at = excluded.published_at,
			last_reprice_at = excluded.last_reprice_at,
			offer_count = excluded.offer_count,
			status = excluded.status`,
		l.ID, l.UserID, l.ItemID, l.Title, l.Channel, externalID, l.AskingPrice, l.Price,
		nullFloat(l.FloorPrice), nullFloat(l.CostBasis), nullMillis(l.ListedAt),
		nullMillis(l.PublishedAt), nullMillis(l.LastRepriceAt), l.OfferCount, string(l.Status),
	)
	if err != nil {
		return fmt.Errorf("saving listing: %w", err)
	}
	return nil
}

// Listing returns one listing by id.
func (s *Store) Listing(ctx context.Context, id string) (Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Listing{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Listing{}, fmt.Errorf("reading listing: %w", err)
	}
	return l, nil
}

// ActiveListings returns active listings ordered by id, starting after
// afterID, so sweeps can page through large inventories.
func (s *Store) ActiveListings(ctx context.Context, afterID string, limit int) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status = ? AND id > ?
		ORDER BY id LIMIT ?`,
		string(ListingActive), afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active listings: %w", err)
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// SetPrice changes a listing's price. Reprices stamp last_reprice_at; an
// undo restores the price without counting as a new reprice.
func (s *Store) SetPrice(ctx context.Context, listingID string, price float64, repricedAt *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if repricedAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE listings SET price = ?, last_reprice_at = ? WHERE id = ?`,
			price, repricedAt.UnixMilli(), listingID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE listings SET price = ? WHERE id = ?`, price, listingID)
	}
	if err != nil {
		return fmt.Errorf("updating listing price: %w", err)
	}
	return expectOne(res, "listing", listingID)
}

// SetStatus changes a listing's status.
func (s *Store) SetStatus(ctx context.Context, listingID string, status ListingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET status = ? WHERE id = ?`, string(status), listingID)
	if err != nil {
		return fmt.Errorf("updating listing status: %w", err)
	}
	return expectOne(res, "listing", listingID)
}

// RecordOffer bumps the offer counter of every listing of an item.
func (s *Store) RecordOffer(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listings SET offer_count = offer_count + 1 WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("recording offer: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
