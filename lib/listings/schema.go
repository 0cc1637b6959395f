// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package listings

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mockmarket/lib/sessionstore"
)

const schemaSQL = `
CREATE TABLE listings_items (
	id              INTEGER PRIMARY KEY,
	seller_id       TEXT NOT NULL,
	seller_name     TEXT NOT NULL DEFAULT '',
	sku             TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	price           REAL NOT NULL DEFAULT 0,
	quantity        INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'ACTIVE',
	marketplace_ids TEXT NOT NULL DEFAULT '[]',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (seller_id, sku)
);

CREATE INDEX idx_listings_items_seller ON listings_items (seller_id);
CREATE INDEX idx_listings_items_status ON listings_items (status);
`

// ApplySchema creates the listings tables in a fresh store.
func ApplySchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("listings: creating schema: %w", err)
	}
	return nil
}

// Schema is ApplySchema as a sessionstore.SchemaDefinition.
var Schema sessionstore.SchemaDefinition = sessionstore.SchemaFunc(ApplySchema)
