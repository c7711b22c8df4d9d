package docstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ruteri/credential-registry/interfaces"
)

//go:embed schema.sql
var Schema string

const documentColumns = `document_hash, ipfs_cid, wrapped_key, metadata, document_type,
	owner_address, issuer_address, viewers, created_by, created_at,
	verification_count, last_verified_at, tx_hash, block_number, gas_used,
	contract_address, explorer_url, file_name, mime_type, file_size,
	status, is_active, failure_reason, updated_at`

// PostgresStore persists document records in PostgreSQL. Hashes and
// addresses are stored as lowercase hex.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the documents table and its indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func unavailable(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, op+" timed out")
	}
	return interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, op+" failed")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) Insert(ctx context.Context, doc *interfaces.Document) error {
	doc.UpdatedAt = s.now().UTC()
	args, err := documentArgs(doc)
	if err != nil {
		return err
	}

	query := `INSERT INTO documents (` + documentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", doc.DocumentHash, interfaces.ErrDuplicate)
		}
		return unavailable(err, "insert document")
	}
	return nil
}

func (s *PostgresStore) ReplaceFailed(ctx context.Context, doc *interfaces.Document) error {
	doc.UpdatedAt = s.now().UTC()
	args, err := documentArgs(doc)
	if err != nil {
		return err
	}

	query := `UPDATE documents SET
		ipfs_cid = $2, wrapped_key = $3, metadata = $4, document_type = $5,
		owner_address = $6, issuer_address = $7, viewers = $8, created_by = $9, created_at = $10,
		verification_count = $11, last_verified_at = $12, tx_hash = $13, block_number = $14, gas_used = $15,
		contract_address = $16, explorer_url = $17, file_name = $18, mime_type = $19, file_size = $20,
		status = $21, is_active = $22, failure_reason = $23, updated_at = $24
		WHERE document_hash = $1 AND status = 'failed'`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(err, "replace document")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, doc.DocumentHash); err != nil {
			return err
		}
		return fmt.Errorf("replace %s: %w", doc.DocumentHash, interfaces.ErrDuplicate)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.Document, error) {
	return getDocument(ctx, s.db, hash, false)
}

func getDocument(ctx context.Context, exec dbExecutor, hash interfaces.DocumentHash, forUpdate bool) (*interfaces.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE document_hash = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	doc, err := scanDocument(exec.QueryRowContext(ctx, query, hash.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", hash, interfaces.ErrNotFound)
		}
		return nil, unavailable(err, "get document")
	}
	return doc, nil
}

// Update applies fn under SELECT ... FOR UPDATE inside one transaction.
func (s *PostgresStore) Update(ctx context.Context, hash interfaces.DocumentHash, fn func(*interfaces.Document) error) (*interfaces.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err, "begin document update")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := getDocument(ctx, tx, hash, true)
	if err != nil {
		return nil, err
	}

	doc := existing.Clone()
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := checkUpdate(existing, doc); err != nil {
		return nil, err
	}
	doc.UpdatedAt = s.now().UTC()

	args, err := documentArgs(doc)
	if err != nil {
		return nil, err
	}
	query := `UPDATE documents SET
		ipfs_cid = $2, wrapped_key = $3, metadata = $4, document_type = $5,
		owner_address = $6, issuer_address = $7, viewers = $8, created_by = $9, created_at = $10,
		verification_count = $11, last_verified_at = $12, tx_hash = $13, block_number = $14, gas_used = $15,
		contract_address = $16, explorer_url = $17, file_name = $18, mime_type = $19, file_size = $20,
		status = $21, is_active = $22, failure_reason = $23, updated_at = $24
		WHERE document_hash = $1`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, unavailable(err, "update document")
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "commit document update")
	}
	return doc, nil
}

func (s *PostgresStore) List(ctx context.Context, filter interfaces.DocumentFilter) ([]*interfaces.Document, int, error) {
	where, args := listWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM documents`+where, args...).Scan(&total); err != nil {
		return nil, 0, unavailable(err, "count documents")
	}

	offset, limit := normalizePage(filter.Offset, filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM documents%s ORDER BY created_at DESC, document_hash LIMIT $%d OFFSET $%d`,
		documentColumns, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, unavailable(err, "list documents")
	}
	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// listWhere builds the WHERE clause of List. A party sees documents it owns,
// issued, or was granted.
func listWhere(filter interfaces.DocumentFilter) (string, []any) {
	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		clauses = append(clauses, "status = "+next(string(filter.Status)))
	}
	if filter.Type != "" {
		clauses = append(clauses, "document_type = "+next(string(filter.Type)))
	}
	if filter.VisibleTo != interfaces.ZeroAddress {
		p := next(interfaces.AddressString(filter.VisibleTo))
		clauses = append(clauses, fmt.Sprintf("(owner_address = %s OR issuer_address = %s OR viewers @> jsonb_build_array(%s::text))", p, p, p))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) ListStale(ctx context.Context, status interfaces.DocumentStatus, olderThan time.Time, limit int) ([]*interfaces.Document, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		string(status), olderThan.UTC(), limit)
	if err != nil {
		return nil, unavailable(err, "list stale documents")
	}
	return collectDocuments(rows)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, party interfaces.Address) ([]*interfaces.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_address = $1 ORDER BY created_at`,
		interfaces.AddressString(party))
	if err != nil {
		return nil, unavailable(err, "list documents by owner")
	}
	return collectDocuments(rows)
}

func (s *PostgresStore) CountByCreator(ctx context.Context, party interfaces.Address) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE created_by = $1 AND status <> 'failed'`,
		interfaces.AddressString(party)).Scan(&n)
	if err != nil {
		return 0, unavailable(err, "count documents by creator")
	}
	return n, nil
}

func (s *PostgresStore) IncrementVerification(ctx context.Context, hash interfaces.DocumentHash, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET verification_count = verification_count + 1, last_verified_at = $2 WHERE document_hash = $1`,
		hash.String(), at.UTC())
	if err != nil {
		return unavailable(err, "increment verification count")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("increment %s: %w", hash, interfaces.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err, "ping database")
	}
	return nil
}

func documentArgs(doc *interfaces.Document) ([]any, error) {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	viewers := make([]string, len(doc.Access.Viewers))
	for i, v := range doc.Access.Viewers {
		viewers[i] = interfaces.AddressString(v)
	}
	viewersJSON, err := json.Marshal(viewers)
	if err != nil {
		return nil, fmt.Errorf("encode viewers: %w", err)
	}

	var txHash, contract string
	if !doc.Blockchain.TransactionID.IsZero() {
		txHash = doc.Blockchain.TransactionID.String()
	}
	if doc.Blockchain.ContractAddress != interfaces.ZeroAddress {
		contract = interfaces.AddressString(doc.Blockchain.ContractAddress)
	}

	var lastVerified sql.NullTime
	if doc.Audit.LastVerifiedAt != nil {
		lastVerified = sql.NullTime{Time: doc.Audit.LastVerifiedAt.UTC(), Valid: true}
	}

	return []any{
		doc.DocumentHash.String(),
		doc.IPFSCid,
		doc.WrappedKey,
		metadata,
		string(doc.Metadata.DocumentType),
		interfaces.AddressString(doc.Access.Owner),
		interfaces.AddressString(doc.Access.Issuer),
		viewersJSON,
		interfaces.AddressString(doc.Audit.CreatedBy),
		doc.Audit.CreatedAt.UTC(),
		int64(doc.Audit.VerificationCount),
		lastVerified,
		txHash,
		int64(doc.Blockchain.BlockNumber),
		int64(doc.Blockchain.GasUsed),
		contract,
		doc.Blockchain.ExplorerURL,
		doc.FileInfo.OriginalName,
		doc.FileInfo.MIMEType,
		doc.FileInfo.Size,
		string(doc.Status),
		doc.IsActive,
		doc.FailureNote,
		doc.UpdatedAt.UTC(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*interfaces.Document, error) {
	var (
		doc                          interfaces.Document
		hash, owner, issuer, creator string
		docType, txHash, contract    string
		status                       string
		metadata, viewersJSON        []byte
		verifications, block, gas    int64
		lastVerified                 sql.NullTime
	)
	err := row.Scan(
		&hash, &doc.IPFSCid, &doc.WrappedKey, &metadata, &docType,
		&owner, &issuer, &viewersJSON, &creator, &doc.Audit.CreatedAt,
		&verifications, &lastVerified, &txHash, &block, &gas,
		&contract, &doc.Blockchain.ExplorerURL, &doc.FileInfo.OriginalName, &doc.FileInfo.MIMEType, &doc.FileInfo.Size,
		&status, &doc.IsActive, &doc.FailureNote, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if doc.DocumentHash, err = interfaces.ParseDocumentHash(hash); err != nil {
		return nil, fmt.Errorf("stored document hash: %w", err)
	}
	if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", hash, err)
	}
	var viewers []string
	if err := json.Unmarshal(viewersJSON, &viewers); err != nil {
		return nil, fmt.Errorf("decode viewers of %s: %w", hash, err)
	}
	for _, v := range viewers {
		doc.Access.Viewers = append(doc.Access.Viewers, common.HexToAddress(v))
	}
	if len(doc.WrappedKey) == 0 {
		doc.WrappedKey = nil
	}

	doc.Access.Owner = common.HexToAddress(owner)
	doc.Access.Issuer = common.HexToAddress(issuer)
	doc.Audit.CreatedBy = common.HexToAddress(creator)
	doc.Audit.VerificationCount = uint64(verifications)
	if lastVerified.Valid {
		t := lastVerified.Time.UTC()
		doc.Audit.LastVerifiedAt = &t
	}
	if txHash != "" {
		if doc.Blockchain.TransactionID, err = interfaces.ParseTxHash(txHash); err != nil {
			return nil, fmt.Errorf("stored transaction hash: %w", err)
		}
	}
	if contract != "" {
		doc.Blockchain.ContractAddress = common.HexToAddress(contract)
	}
	doc.Blockchain.BlockNumber = uint64(block)
	doc.Blockchain.GasUsed = uint64(gas)
	doc.Status = interfaces.DocumentStatus(status)
	doc.Audit.CreatedAt = doc.Audit.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

func collectDocuments(rows *sql.Rows) ([]*interfaces.Document, error) {
	defer rows.Close()

	docs := []*interfaces.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate documents")
	}
	return docs, nil
}
