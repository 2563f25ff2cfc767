package settlement

import "embed"

// PostgresMigrationsFS embeds the settlement ledger schema migrations so
// binaries can migrate without shipping SQL files alongside.
//
//go:embed db/migrations/*.sql
var PostgresMigrationsFS embed.FS
