package database

import (
	"database/sql"
)

// PgChatRepository is the Postgres ChatRepository.
type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(conn *sql.DB) *PgChatRepository {
	return &PgChatRepository{conn: conn}
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
