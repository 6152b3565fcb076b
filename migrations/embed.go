package migrations

import "embed"

// Files exposes embedded SQL migrations: postgres/*.sql for the pgx repository and
// sqlite/*.sql for the local one, each applied in lexicographical order.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
