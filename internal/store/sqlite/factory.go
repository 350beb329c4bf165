package sqlite

import (
	"database/sql"

	"github.com/vaultstream/vaultstream/internal/store"
)

// NewStores wires every store interface to one shared database handle.
func NewStores(db *sql.DB) *store.Stores {
	s := store.NewStores(db.Close)
	s.Contents = &ContentStore{db: db}
	s.Rules = &RuleStore{db: db}
	s.Bots = &BotStore{db: db}
	s.Queue = &QueueStore{db: db}
	s.Pushed = &PushedStore{db: db}
	s.Tasks = &TaskStore{db: db}
	s.Events = &EventStore{db: db}
	s.Settings = &SettingStore{db: db}
	return s
}
