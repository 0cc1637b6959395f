// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package listings

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mockmarket/lib/clock"
)

//go:embed baseline.yaml
var defaultBaselineDocument []byte

// baselineDocument is the on-disk shape of a baseline file.
type baselineDocument struct {
	// Sellers maps seller id to display name. Items without a
	// seller_name take it from here.
	Sellers map[string]string `yaml:"sellers" json:"sellers"`
	Items   []Item            `yaml:"items" json:"items"`
}

// Baseline is the canonical listing set every new or reset session
// starts from. It implements sessionstore.BaselineLoader.
type Baseline struct {
	sellers map[string]string
	items   []Item
	clock   clock.Clock
}

// DefaultBaseline returns the embedded baseline.
func DefaultBaseline(clk clock.Clock) (*Baseline, error) {
	return ParseBaseline(defaultBaselineDocument, "yaml", clk)
}

// LoadBaseline reads a baseline file. Files ending in .json or .jsonc
// are parsed as JSONC; anything else as YAML. An empty path selects the
// embedded baseline.
func LoadBaseline(path string, clk clock.Clock) (*Baseline, error) {
	if path == "" {
		return DefaultBaseline(clk)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("listings: reading baseline: %w", err)
	}
	format := "yaml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		format = "jsonc"
	}
	baseline, err := ParseBaseline(data, format, clk)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return baseline, nil
}

// ParseBaseline parses a baseline document in format "yaml" or
// "jsonc" and validates every item.
func ParseBaseline(data []byte, format string, clk clock.Clock) (*Baseline, error) {
	if clk == nil {
		return nil, fmt.Errorf("listings: baseline clock is required")
	}
	switch format {
	case "yaml":
	case "jsonc":
		// JSON is a subset of YAML, so one decoder and one set of
		// struct tags serve both formats.
		data = jsonc.ToJSON(data)
	default:
		return nil, fmt.Errorf("listings: unknown baseline format %q", format)
	}

	var document baselineDocument
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("listings: parsing baseline: %w", err)
	}
	if len(document.Items) == 0 {
		return nil, fmt.Errorf("listings: baseline has no items")
	}

	seen := make(map[string]bool, len(document.Items))
	items := make([]Item, len(document.Items))
	for i, item := range document.Items {
		if item.SellerName == "" {
			item.SellerName = document.Sellers[item.SellerID]
		}
		if item.Status == "" {
			item.Status = StatusActive
		}
		if err := item.Validate(); err != nil {
			return nil, err
		}
		key := item.SellerID + "/" + item.SKU
		if seen[key] {
			return nil, fmt.Errorf("listings: baseline lists %s twice", key)
		}
		seen[key] = true
		items[i] = item
	}

	return &Baseline{sellers: document.Sellers, items: items, clock: clk}, nil
}

// Items returns a copy of the baseline listings.
func (b *Baseline) Items() []Item {
	items := make([]Item, len(b.items))
	copy(items, b.items)
	return items
}

// Len returns the number of baseline listings.
func (b *Baseline) Len() int { return len(b.items) }

// Sellers returns the seller ids that have at least one baseline
// listing, sorted.
func (b *Baseline) Sellers() []string {
	set := make(map[string]bool)
	for _, item := range b.items {
		set[item.SellerID] = true
	}
	sellers := make([]string, 0, len(set))
	for seller := range set {
		sellers = append(sellers, seller)
	}
	sort.Strings(sellers)
	return sellers
}

// Seed inserts every baseline listing in one transaction. The store
// must be empty; a duplicate row fails the whole seed.
func (b *Baseline) Seed(ctx context.Context, conn *sqlite.Conn) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("listings: begin seed: %w", err)
	}
	defer endTransaction(&err)

	now := b.clock.Now()
	for _, item := range b.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := insert(conn, item, now, false); err != nil {
			return err
		}
	}
	return nil
}
