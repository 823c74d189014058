// Package mysql opens the shared MySQL connection pool used by the memory,
// request and review stores and applies the embedded schema migrations.
package mysql
