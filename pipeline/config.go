package pipeline

import (
	"strings"
	"time"
)

// MaxFileSize is the largest accepted credential file.
const MaxFileSize = 10 << 20

// AllowedMIMETypes is the whitelist of declared content types.
var AllowedMIMETypes = map[string]bool{
	"application/pdf":    true,
	"image/png":          true,
	"image/jpeg":         true,
	"image/jpg":          true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain": true,
}

// Config tunes admission, backpressure and the ledger stage.
type Config struct {
	MaxFileSize          int
	MaxDocumentsPerParty int

	// MaxInFlightStorage and MaxInFlightLedger bound concurrent calls to the
	// object store and the ledger. Admission answers busy beyond them.
	MaxInFlightStorage int64
	MaxInFlightLedger  int64

	StorageTimeout time.Duration
	LedgerTimeout  time.Duration

	// ReconcileAfter is the age at which an uploaded record is picked up by
	// the reconciler.
	ReconcileAfter time.Duration
	ReconcileBatch int

	ExplorerBaseURL string
}

func DefaultConfig() Config {
	return Config{
		MaxFileSize:          MaxFileSize,
		MaxDocumentsPerParty: 1000,
		MaxInFlightStorage:   64,
		MaxInFlightLedger:    16,
		StorageTimeout:       30 * time.Second,
		LedgerTimeout:        2 * time.Minute,
		ReconcileAfter:       2 * time.Minute,
		ReconcileBatch:       100,
		ExplorerBaseURL:      "https://etherscan.io",
	}
}

// ExplorerURL returns the block explorer link of a transaction.
func (c Config) ExplorerURL(tx string) string {
	return strings.TrimRight(c.ExplorerBaseURL, "/") + "/tx/" + tx
}

// normalizeMIME lowercases a content type and strips its parameters.
func normalizeMIME(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}
