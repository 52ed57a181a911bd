package storage

import (
	_ "embed"
	"strings"
)

var (
	//go:embed schema/mysql.sql
	MySQLSchema string

	//go:embed schema/postgres.sql
	PostgresSchema string
)

// SchemaStatements splits a schema file into single statements so it can be
// executed by drivers that reject multi-statement queries.
func SchemaStatements(schema string) []string {
	var stmts []string
	for _, part := range strings.Split(schema, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
