package listeners_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	sqllite "github.com/hankgalt/query-batcher/internal/clients/sql_lite"
	"github.com/hankgalt/query-batcher/pkg/domain"
	"github.com/hankgalt/query-batcher/pkg/listeners"
)

func TestSQLLiteURIsListener(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "uris.db")

	listener, err := listeners.NewSQLLiteURIsListener(dbFile, nil)
	require.NoError(t, err)

	ticket := domain.NewJobTicket(domain.QueryBatcherTicket)
	forest := domain.Forest{ID: "f-1", Name: "docs-1", PreferredHost: "host-a"}
	batch := domain.NewQueryBatch().
		WithItems([]string{"/doc/1.json", "/doc/2.json", "/doc/3.json"}).
		WithJobBatchNumber(4).
		WithForestBatchNumber(2).
		WithForest(forest).
		WithServerTimestamp(100).
		WithJobTicket(ticket)

	require.NoError(t, listener.ProcessBatch(context.Background(), batch))

	// empty batches are a no-op
	empty := domain.NewQueryBatch().WithItems(nil).WithJobTicket(ticket)
	require.NoError(t, listener.ProcessBatch(context.Background(), empty))

	require.NoError(t, listener.Close(context.Background()))

	dbClient, err := sqllite.NewSQLLiteDBClient(dbFile)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, dbClient.Close(context.Background()))
	}()

	records, err := dbClient.FetchURIRecords(context.Background(), ticket.JobID, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "/doc/1.json", records[0].URI)
	require.Equal(t, int64(4), records[0].JobBatchNumber)
	require.Equal(t, int64(2), records[0].ForestBatchNumber)
	require.Equal(t, "docs-1", records[0].ForestName)
	require.Equal(t, int64(100), records[0].ServerTimestamp)
}

func TestSQLLiteURIsListenerRequiresDBFile(t *testing.T) {
	_, err := listeners.NewSQLLiteURIsListener("", nil)
	require.ErrorIs(t, err, listeners.ErrSQLLiteListenerDBFile)
}
