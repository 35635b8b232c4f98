package storage

import (
	"github.com/agentlens/agentlens/pkg/database"
)

// NewEmbeddedStore wraps a migrated SQLite client in the storage contract.
// The embedded backend serves single-process deployments: one database file,
// one writer at a time, every row under the default tenant unless auth is
// enabled.
func NewEmbeddedStore(client *database.Client) Store {
	return &sqlStore{
		db:      client.DB(),
		dialect: dialectSQLite,
		caps: Capabilities{
			Variant:     VariantEmbedded,
			AppendOnly:  true,
			Projections: true,
			Retention:   true,
		},
	}
}
