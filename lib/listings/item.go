// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package listings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Listing statuses.
const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
	StatusDeleted  = "DELETED"
)

// ErrNotFound is returned when no listing matches a seller and SKU.
var ErrNotFound = errors.New("listings: item not found")

// Item is one seller's listing of one SKU.
type Item struct {
	SellerID       string    `yaml:"seller_id" json:"seller_id"`
	SellerName     string    `yaml:"seller_name,omitempty" json:"seller_name,omitempty"`
	SKU            string    `yaml:"sku" json:"sku"`
	Title          string    `yaml:"title" json:"title"`
	Description    string    `yaml:"description,omitempty" json:"description,omitempty"`
	Price          float64   `yaml:"price" json:"price"`
	Quantity       int       `yaml:"quantity" json:"quantity"`
	Status         string    `yaml:"status,omitempty" json:"status"`
	MarketplaceIDs []string  `yaml:"marketplace_ids,omitempty" json:"marketplace_ids"`
	CreatedAt      time.Time `yaml:"-" json:"created_at"`
	UpdatedAt      time.Time `yaml:"-" json:"updated_at"`
}

// Validate checks the fields a listing must always have.
func (item *Item) Validate() error {
	var problems []string
	if item.SellerID == "" {
		problems = append(problems, "seller_id is required")
	}
	if item.SKU == "" {
		problems = append(problems, "sku is required")
	}
	if item.Price < 0 {
		problems = append(problems, fmt.Sprintf("price must not be negative, got %.2f", item.Price))
	}
	if item.Quantity < 0 {
		problems = append(problems, fmt.Sprintf("quantity must not be negative, got %d", item.Quantity))
	}
	switch item.Status {
	case "", StatusActive, StatusInactive, StatusDeleted:
	default:
		problems = append(problems, fmt.Sprintf("unknown status %q", item.Status))
	}
	if len(problems) > 0 {
		return fmt.Errorf("listings: invalid item %s/%s: %s", item.SellerID, item.SKU, strings.Join(problems, "; "))
	}
	return nil
}

const itemColumns = `seller_id, seller_name, sku, title, description, price, quantity, status, marketplace_ids, created_at, updated_at`

// Get returns the listing for sellerID and sku, or ErrNotFound.
func Get(conn *sqlite.Conn, sellerID, sku string) (Item, error) {
	items, err := query(conn,
		"SELECT "+itemColumns+" FROM listings_items WHERE seller_id = ? AND sku = ?",
		sellerID, sku)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrNotFound
	}
	return items[0], nil
}

// Put inserts item, or replaces the listing with the same seller and
// SKU. CreatedAt is kept on replacement; UpdatedAt becomes now. Returns
// the stored item.
func Put(conn *sqlite.Conn, item Item, now time.Time) (Item, error) {
	if err := item.Validate(); err != nil {
		return Item{}, err
	}
	if item.Status == "" {
		item.Status = StatusActive
	}
	if err := insert(conn, item, now, true); err != nil {
		return Item{}, err
	}
	return Get(conn, item.SellerID, item.SKU)
}

// Delete removes the listing for sellerID and sku, or returns
// ErrNotFound.
func Delete(conn *sqlite.Conn, sellerID, sku string) error {
	err := sqlitex.Execute(conn,
		"DELETE FROM listings_items WHERE seller_id = ? AND sku = ?",
		&sqlitex.ExecOptions{Args: []any{sellerID, sku}})
	if err != nil {
		return fmt.Errorf("listings: deleting %s/%s: %w", sellerID, sku, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// Filter narrows List. Zero fields match everything; set fields must
// all match.
type Filter struct {
	SellerID string

	// SellerName matches seller names containing it, ignoring ASCII case.
	SellerName string

	// Text matches listings whose title or description contains it,
	// ignoring ASCII case.
	Text string

	// MarketplaceIDs keeps listings offered in every one of the given
	// marketplaces.
	MarketplaceIDs []string

	Status string
	Limit  int
	Offset int
}

// List returns listings ordered by seller and SKU.
func List(conn *sqlite.Conn, filter Filter) ([]Item, error) {
	var conditions []string
	var args []any
	if filter.SellerID != "" {
		conditions = append(conditions, "seller_id = ?")
		args = append(args, filter.SellerID)
	}
	if filter.SellerName != "" {
		conditions = append(conditions, `seller_name LIKE ? ESCAPE '\'`)
		args = append(args, containsPattern(filter.SellerName))
	}
	if filter.Text != "" {
		conditions = append(conditions, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		pattern := containsPattern(filter.Text)
		args = append(args, pattern, pattern)
	}
	for _, marketplace := range filter.MarketplaceIDs {
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM json_each(listings_items.marketplace_ids) WHERE json_each.value = ?)")
		args = append(args, marketplace)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	statement := "SELECT " + itemColumns + " FROM listings_items"
	if len(conditions) > 0 {
		statement += " WHERE " + strings.Join(conditions, " AND ")
	}
	statement += " ORDER BY seller_id, sku"
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	statement += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	return query(conn, statement, args...)
}

// containsPattern builds a LIKE pattern matching any value that
// contains text literally.
func containsPattern(text string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
	return "%" + escaped + "%"
}

// Count returns the number of listings.
func Count(conn *sqlite.Conn) (int, error) {
	var count int
	err := sqlitex.Execute(conn, "SELECT count(*) FROM listings_items", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("listings: counting items: %w", err)
	}
	return count, nil
}

func insert(conn *sqlite.Conn, item Item, now time.Time, upsert bool) error {
	marketplaces := item.MarketplaceIDs
	if marketplaces == nil {
		marketplaces = []string{}
	}
	encoded, err := json.Marshal(marketplaces)
	if err != nil {
		return fmt.Errorf("listings: encoding marketplace ids: %w", err)
	}
	timestamp := now.UTC().Format(time.RFC3339Nano)

	statement := "INSERT INTO listings_items (" + itemColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if upsert {
		statement += ` ON CONFLICT (seller_id, sku) DO UPDATE SET
			seller_name = excluded.seller_name,
			title = excluded.title,
			description = excluded.description,
			price = excluded.price,
			quantity = excluded.quantity,
			status = excluded.status,
			marketplace_ids = excluded.marketplace_ids,
			updated_at = excluded.updated_at`
	}
	err = sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{
		Args: []any{
			item.SellerID, item.SellerName, item.SKU, item.Title, item.Description,
			item.Price, item.Quantity, item.Status, string(encoded),
			timestamp, timestamp,
		},
	})
	if err != nil {
		return fmt.Errorf("listings: writing %s/%s: %w", item.SellerID, item.SKU, err)
	}
	return nil
}

func query(conn *sqlite.Conn, statement string, args ...any) ([]Item, error) {
	var items []Item
	err := sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			item, err := scanItem(stmt)
			if err != nil {
				return err
			}
			items = append(items, item)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listings: querying items: %w", err)
	}
	return items, nil
}

func scanItem(stmt *sqlite.Stmt) (Item, error) {
	item := Item{
		SellerID:    stmt.ColumnText(0),
		SellerName:  stmt.ColumnText(1),
		SKU:         stmt.ColumnText(2),
		Title:       stmt.ColumnText(3),
		Description: stmt.ColumnText(4),
		Price:       stmt.ColumnFloat(5),
		Quantity:    stmt.ColumnInt(6),
		Status:      stmt.ColumnText(7),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(8)), &item.MarketplaceIDs); err != nil {
		return Item{}, fmt.Errorf("decoding marketplace ids of %s/%s: %w", item.SellerID, item.SKU, err)
	}
	var err error
	if item.CreatedAt, err = time.Parse(time.RFC3339Nano, stmt.ColumnText(9)); err != nil {
		return Item{}, fmt.Errorf("parsing created_at of %s/%s: %w", item.SellerID, item.SKU, err)
	}
	if item.UpdatedAt, err = time.Parse(time.RFC3339Nano, stmt.ColumnText(10)); err != nil {
		return Item{}, fmt.Errorf("parsing updated_at of %s/%s: %w", item.SellerID, item.SKU, err)
	}
	return item, nil
}
