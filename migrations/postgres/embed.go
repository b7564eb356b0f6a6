// Package postgres embeds the PostgreSQL schema migrations.
package postgres

import "embed"

// Files holds NNNN_name.up.sql migrations applied in version order.
//
//go:embed *.sql
var Files embed.FS
