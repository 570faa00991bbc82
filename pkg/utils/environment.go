package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

const DEFAULT_DATA_DIR = "data"
const DEFAULT_DB_FILE_NAME string = "uris.db"

// BuildDBFileName constructs the sqlite file path using the DATA_DIR env
// variable or defaults to "<DEFAULT_DATA_DIR>/<DEFAULT_DB_FILE_NAME>".
func BuildDBFileName() string {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = DEFAULT_DATA_DIR
		fmt.Printf("DATA_DIR environment variable is not set, using default: %s\n", DEFAULT_DATA_DIR)
	}

	return filepath.Join(dataDir, DEFAULT_DB_FILE_NAME)
}

// BuildBucketName reads the export bucket from the BUCKET env variable.
func BuildBucketName() (string, error) {
	bucket := os.Getenv("BUCKET")
	if bucket == "" {
		return "", fmt.Errorf("BUCKET environment variable is not set")
	}
	return bucket, nil
}
