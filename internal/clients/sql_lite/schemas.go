package sqllite

// URIRecord is one delivered URI with its job and batch coordinates.
type URIRecord struct {
	URI               string `db:"uri"`
	JobID             string `db:"job_id"`
	JobBatchNumber    int64  `db:"job_batch_number"`
	ForestBatchNumber int64  `db:"forest_batch_number"`
	ForestName        string `db:"forest_name"`
	ServerTimestamp   int64  `db:"server_timestamp"`
	CreatedAt         string `db:"created_at"`
}

var URISchema = `
	DROP TABLE IF EXISTS uris;

	CREATE TABLE uris (
	uri                 TEXT NOT NULL,
	job_id              TEXT NOT NULL DEFAULT '',
	job_batch_number    INTEGER NOT NULL DEFAULT 0,
	forest_batch_number INTEGER NOT NULL DEFAULT 0,
	forest_name         TEXT NOT NULL DEFAULT '',
	server_timestamp    INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP)
	);

	CREATE INDEX uris_job_batch ON uris (job_id, job_batch_number);
`
