//go:build sqlite

package main

import (
	"context"
	"fmt"

	"idmirror/internal/storage"
	sqlitestore "idmirror/internal/storage/sqlite"
)

const defaultSQLiteDSN = "file:idmirror.db?cache=shared&_fk=1"

func sqliteDSN(dsn string) string {
	if dsn == "" {
		return defaultSQLiteDSN
	}
	return dsn
}

func init() {
	drivers["sqlite"] = storeDriver{
		open: func(dsn string) (storage.Store, error) {
			return sqlitestore.New(sqliteDSN(dsn))
		},
		status: func(_ context.Context, dsn string) (string, error) {
			st, err := sqlitestore.New(sqliteDSN(dsn))
			if err != nil {
				return "", err
			}
			defer func() { _ = st.Close() }()
			v, err := st.SchemaVersion()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("schema_version=%d", v), nil
		},
	}
}
