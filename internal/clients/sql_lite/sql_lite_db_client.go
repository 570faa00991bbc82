package sqllite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	ERR_SQLITE_DB_CONNECTION    = "sql-lite: error connecting to database"
	ERR_SQLITE_DB_DISCONNECTION = "sql-lite: error disconnecting from database"
	ERR_SQLITE_NO_RECORDS       = "sql-lite: no records to insert"
)

var (
	ErrSqlLiteDBConn    = errors.New(ERR_SQLITE_DB_CONNECTION)
	ErrSqlLiteDBDisconn = errors.New(ERR_SQLITE_DB_DISCONNECTION)
	ErrSqlLiteNoRecords = errors.New(ERR_SQLITE_NO_RECORDS)
)

type SQLLiteDBClient struct {
	store *sqlx.DB
}

func NewSQLLiteDBClient(dbFile string) (*SQLLiteDBClient, error) {
	db, err := sqlx.Connect("sqlite3", dbFile)
	if err != nil {
		log.Println("sql-lite: error connecting to database:", err)
		return nil, ErrSqlLiteDBConn
	}

	return &SQLLiteDBClient{
		store: db,
	}, nil
}

func (db *SQLLiteDBClient) ExecuteSchema(schema string) sql.Result {
	// exec the schema or fail; multi-statement Exec behavior varies between
	return db.store.MustExec(schema)
}

func (db *SQLLiteDBClient) Close(ctx context.Context) error {
	if err := db.store.Close(); err != nil {
		log.Println("sql-lite: error closing database:", err)
		return ErrSqlLiteDBDisconn
	}
	return nil
}

// InsertURIRecords writes one batch of URI records in a single transaction.
func (db *SQLLiteDBClient) InsertURIRecords(ctx context.Context, records []URIRecord) error {
	if len(records) == 0 {
		return ErrSqlLiteNoRecords
	}

	qryStr := `INSERT INTO uris (uri, job_id, job_batch_number, forest_batch_number, forest_name, server_timestamp)
		VALUES (:uri, :job_id, :job_batch_number, :forest_batch_number, :forest_name, :server_timestamp)`
	tx, err := db.store.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, qryStr, records); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sql-lite: rollback after insert error %v: %w", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// FetchURIRecords pages through the URIs recorded for a job.
func (db *SQLLiteDBClient) FetchURIRecords(ctx context.Context, jobID string, offset, limit int) ([]URIRecord, error) {
	records := []URIRecord{}
	qryStr := `SELECT * FROM uris WHERE job_id = $1 ORDER BY job_batch_number LIMIT $2 OFFSET $3`
	err := db.store.SelectContext(ctx, &records, qryStr, jobID, limit, offset)
	if err != nil {
		return nil, err
	}
	return records, nil
}
