package main

import (
	"context"

	"github.com/frewsxcv/ichnaea/database"
)

// cellSchema usa apenas tipos aceitos por MySQL, SQLite e PostgreSQL.
const cellSchema = `CREATE TABLE IF NOT EXISTS cell (
	radio VARCHAR(8) NOT NULL,
	mcc INTEGER NOT NULL,
	mnc INTEGER NOT NULL,
	lac INTEGER NOT NULL,
	cid BIGINT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	total_measures INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (radio, mcc, mnc, lac, cid)
)`

func createSchema(ctx context.Context, db *database.Database) error {
	return database.WithSession(ctx, db, database.RoleMaster, func(s *database.Session) error {
		_, err := s.Exec(ctx, cellSchema)
		return err
	})
}
