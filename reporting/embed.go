package reporting

import "embed"

// ClickHouseMigrationsFS embeds the analytics schema migrations so binaries
// can migrate without shipping SQL files alongside.
//
//go:embed db/clickhouse/migrations/*.sql
var ClickHouseMigrationsFS embed.FS
