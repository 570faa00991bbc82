// Package listeners ships ready-made batch and failure listeners for common
// destinations, plus the host-availability monitor that drives the
// batcher's reconfiguration and retry surface.
package listeners

import (
	"context"
	"errors"
	"log/slog"

	"github.com/comfforts/logger"

	sqllite "github.com/hankgalt/query-batcher/internal/clients/sql_lite"
	"github.com/hankgalt/query-batcher/pkg/domain"
)

const (
	ERR_SQLLITE_LISTENER_NIL        = "sql-lite listener is nil"
	ERR_SQLLITE_LISTENER_NIL_CLIENT = "sql-lite listener: nil client"
	ERR_SQLLITE_LISTENER_DB_FILE    = "sql-lite listener: DB file is required"
)

var (
	ErrSQLLiteListenerNil       = errors.New(ERR_SQLLITE_LISTENER_NIL)
	ErrSQLLiteListenerNilClient = errors.New(ERR_SQLLITE_LISTENER_NIL_CLIENT)
	ErrSQLLiteListenerDBFile    = errors.New(ERR_SQLLITE_LISTENER_DB_FILE)
)

// URIRecordWriter is the tiny capability we need.
type URIRecordWriter interface {
	InsertURIRecords(ctx context.Context, records []sqllite.URIRecord) error
	Close(ctx context.Context) error
}

// SQLLiteURIsListener persists each delivered batch's URIs to a sqlite
// table with their job and batch coordinates.
type SQLLiteURIsListener struct {
	client URIRecordWriter
	l      *slog.Logger
}

// NewSQLLiteURIsListener opens the sqlite store at dbFile and prepares the
// uris table.
func NewSQLLiteURIsListener(dbFile string, l *slog.Logger) (*SQLLiteURIsListener, error) {
	if dbFile == "" {
		return nil, ErrSQLLiteListenerDBFile
	}
	if l == nil {
		l = logger.GetSlogLogger()
	}
	client, err := sqllite.NewSQLLiteDBClient(dbFile)
	if err != nil {
		return nil, err
	}
	client.ExecuteSchema(sqllite.URISchema)
	return &SQLLiteURIsListener{client: client, l: l}, nil
}

// ProcessBatch writes the batch's URIs in one transaction.
func (s *SQLLiteURIsListener) ProcessBatch(ctx context.Context, batch *domain.QueryBatch) error {
	if s == nil {
		return ErrSQLLiteListenerNil
	}
	if s.client == nil {
		return ErrSQLLiteListenerNilClient
	}
	if len(batch.Items()) == 0 {
		return nil // nothing to write
	}

	forestName := ""
	if batch.Forest() != nil {
		forestName = batch.Forest().Name
	}
	records := make([]sqllite.URIRecord, 0, len(batch.Items()))
	for _, uri := range batch.Items() {
		records = append(records, sqllite.URIRecord{
			URI:               uri,
			JobID:             batch.JobTicket().JobID,
			JobBatchNumber:    batch.JobBatchNumber(),
			ForestBatchNumber: batch.ForestBatchNumber(),
			ForestName:        forestName,
			ServerTimestamp:   batch.ServerTimestamp(),
		})
	}
	if err := s.client.InsertURIRecords(ctx, records); err != nil {
		s.l.Error(
			"sql-lite listener: error inserting uri records",
			"jobBatchNumber", batch.JobBatchNumber(),
			"error", err,
		)
		return err
	}
	return nil
}

// Close closes the underlying sqlite store.
func (s *SQLLiteURIsListener) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close(ctx)
}
