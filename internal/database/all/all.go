// Package all links every database backend.
package all

import (
	_ "batchingest/internal/database/mssql"
	_ "batchingest/internal/database/postgres"
	_ "batchingest/internal/database/sqlite"
)
