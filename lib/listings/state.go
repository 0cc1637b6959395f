// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package listings

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SellerCount is the number of listings one seller has.
type SellerCount struct {
	SellerID   string `json:"seller_id"`
	SellerName string `json:"seller_name"`
	Count      int    `json:"count"`
}

// PriceStats summarizes listing prices.
type PriceStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// Summary describes the content of one store. Test harnesses compare
// summaries before and after a reset; Fingerprint is equal for two
// stores exactly when their listings are equal, ignoring timestamps.
type Summary struct {
	TotalItems     int            `json:"total_items"`
	ByStatus       map[string]int `json:"by_status"`
	BySeller       []SellerCount  `json:"by_seller"`
	Price          PriceStats     `json:"price"`
	TotalInventory int            `json:"total_inventory"`
	Fingerprint    string         `json:"fingerprint"`
}

// Summarize computes the Summary of the store behind conn.
func Summarize(conn *sqlite.Conn) (Summary, error) {
	summary := Summary{ByStatus: make(map[string]int)}

	err := sqlitex.Execute(conn,
		"SELECT count(*), coalesce(min(price), 0), coalesce(max(price), 0), coalesce(avg(price), 0), coalesce(sum(quantity), 0) FROM listings_items",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			summary.TotalItems = stmt.ColumnInt(0)
			summary.Price = PriceStats{
				Min:     stmt.ColumnFloat(1),
				Max:     stmt.ColumnFloat(2),
				Average: stmt.ColumnFloat(3),
			}
			summary.TotalInventory = stmt.ColumnInt(4)
			return nil
		}})
	if err != nil {
		return Summary{}, fmt.Errorf("listings: summarizing totals: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT status, count(*) FROM listings_items GROUP BY status",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			summary.ByStatus[stmt.ColumnText(0)] = stmt.ColumnInt(1)
			return nil
		}})
	if err != nil {
		return Summary{}, fmt.Errorf("listings: summarizing statuses: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT seller_id, max(seller_name), count(*) FROM listings_items GROUP BY seller_id ORDER BY seller_id",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			summary.BySeller = append(summary.BySeller, SellerCount{
				SellerID:   stmt.ColumnText(0),
				SellerName: stmt.ColumnText(1),
				Count:      stmt.ColumnInt(2),
			})
			return nil
		}})
	if err != nil {
		return Summary{}, fmt.Errorf("listings: summarizing sellers: %w", err)
	}

	summary.Fingerprint, err = Fingerprint(conn)
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// Fingerprint hashes every listing, in seller and SKU order, with
// BLAKE3. Timestamps are excluded so a freshly reset store fingerprints
// the same as a freshly created one.
func Fingerprint(conn *sqlite.Conn) (string, error) {
	hasher := blake3.New()
	err := sqlitex.Execute(conn,
		"SELECT seller_id, seller_name, sku, title, description, price, quantity, status, marketplace_ids FROM listings_items ORDER BY seller_id, sku",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			for column := range 9 {
				var field string
				switch column {
				case 5:
					field = strconv.FormatFloat(stmt.ColumnFloat(column), 'f', 2, 64)
				case 6:
					field = strconv.FormatInt(stmt.ColumnInt64(column), 10)
				default:
					field = stmt.ColumnText(column)
				}
				hasher.WriteString(field)
				hasher.Write([]byte{0})
			}
			hasher.Write([]byte{'\n'})
			return nil
		}})
	if err != nil {
		return "", fmt.Errorf("listings: fingerprinting items: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
