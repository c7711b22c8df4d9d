package consent

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/credential-registry/interfaces"
)

//go:embed schema.sql
var Schema string

const (
	consentColumns = `id, party_address, consent_type, purpose, data_categories, legal_basis,
	consent_given, consent_date, retention_days, status, withdrawal_date`
	deletionColumns = `id, party_address, request_type, reason, consent_type, data_categories,
	status, code_hash, verification_expiry, created_at, completion_date, deletion_results`
	exportColumns = `id, party_address, export_format, data_categories, status, created_at,
	expiry_date, file_name, content_type, file_data, generated_at`
)

// PostgresStore persists the consent log in PostgreSQL. The partial unique
// index consents_active_key keeps one active record per (party, type).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the consent tables if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate consent tables: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func unavailable(err error, op string) error {
	return interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, op+" failed")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *PostgresStore) Supersede(ctx context.Context, rec *Record, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err, "begin consent supersede")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE consents SET status = $3, withdrawal_date = $4
		WHERE party_address = $1 AND consent_type = $2 AND status = 'active'`,
		interfaces.AddressString(rec.Party), string(rec.Type), string(StatusWithdrawn), at.UTC()); err != nil {
		return unavailable(err, "withdraw previous consent")
	}

	categories, err := json.Marshal(nonNil(rec.DataCategories))
	if err != nil {
		return fmt.Errorf("encode data categories: %w", err)
	}
	query := `INSERT INTO consents (` + consentColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := tx.ExecContext(ctx, query,
		rec.ID, interfaces.AddressString(rec.Party), string(rec.Type), rec.Purpose, categories, string(rec.LegalBasis),
		rec.ConsentGiven, rec.ConsentDate.UTC(), rec.RetentionDays, string(rec.Status), nullTime(rec.WithdrawalDate),
	); err != nil {
		return unavailable(err, "insert consent")
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err, "commit consent")
	}
	return nil
}

func (s *PostgresStore) WithdrawActive(ctx context.Context, party interfaces.Address, typ Type, at time.Time) (*Record, error) {
	query := `UPDATE consents SET status = $3, withdrawal_date = $4
		WHERE party_address = $1 AND consent_type = $2 AND status = 'active'
		RETURNING ` + consentColumns
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query,
		interfaces.AddressString(party), string(typ), string(StatusWithdrawn), at.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active %s consent: %w", typ, interfaces.ErrNotFound)
		}
		return nil, unavailable(err, "withdraw consent")
	}
	return rec, nil
}

func (s *PostgresStore) ActiveConsent(ctx context.Context, party interfaces.Address, typ Type) (*Record, error) {
	query := `SELECT ` + consentColumns + ` FROM consents
		WHERE party_address = $1 AND consent_type = $2 AND status = 'active'`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, interfaces.AddressString(party), string(typ)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active %s consent: %w", typ, interfaces.ErrNotFound)
		}
		return nil, unavailable(err, "get consent")
	}
	return rec, nil
}

func (s *PostgresStore) ListConsents(ctx context.Context, party interfaces.Address) ([]*Record, error) {
	return s.queryRecords(ctx, `SELECT `+consentColumns+` FROM consents
		WHERE party_address = $1 ORDER BY consent_date DESC, id`, interfaces.AddressString(party))
}

func (s *PostgresStore) ListActiveConsents(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx, `SELECT `+consentColumns+` FROM consents
		WHERE status = 'active' AND retention_days > 0 ORDER BY consent_date, id`)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "list consents")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate consents")
	}
	return out, nil
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                     Record
		party, typ, basis, stat string
		categories              []byte
		withdrawn               sql.NullTime
	)
	if err := row.Scan(&rec.ID, &party, &typ, &rec.Purpose, &categories, &basis,
		&rec.ConsentGiven, &rec.ConsentDate, &rec.RetentionDays, &stat, &withdrawn); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(categories, &rec.DataCategories); err != nil {
		return nil, fmt.Errorf("decode data categories of %s: %w", rec.ID, err)
	}
	rec.Party = common.HexToAddress(party)
	rec.Type = Type(typ)
	rec.LegalBasis = LegalBasis(basis)
	rec.Status = Status(stat)
	rec.ConsentDate = rec.ConsentDate.UTC()
	rec.WithdrawalDate = timePtr(withdrawn)
	return &rec, nil
}

func deletionArgs(req *DeletionRequest) ([]any, error) {
	categories, err := json.Marshal(nonNil(req.DataCategories))
	if err != nil {
		return nil, fmt.Errorf("encode data categories: %w", err)
	}
	results := req.Results
	if results == nil {
		results = []DeletionResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode deletion results: %w", err)
	}
	return []any{
		req.ID, interfaces.AddressString(req.Party), string(req.RequestType), req.Reason, string(req.ConsentType),
		categories, string(req.Status), req.CodeHash, req.VerificationExpiry.UTC(), req.CreatedAt.UTC(),
		nullTime(req.CompletionDate), resultsJSON,
	}, nil
}

func (s *PostgresStore) InsertDeletion(ctx context.Context, req *DeletionRequest) error {
	args, err := deletionArgs(req)
	if err != nil {
		return err
	}
	query := `INSERT INTO deletion_requests (` + deletionColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return unavailable(err, "insert deletion request")
	}
	return nil
}

func (s *PostgresStore) InsertDeletionUnlessPending(ctx context.Context, req *DeletionRequest, now time.Time) (bool, error) {
	args, err := deletionArgs(req)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable(err, "begin deletion insert")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE deletion_requests SET status = 'expired', code_hash = NULL
		WHERE party_address = $1 AND status = 'pending' AND verification_expiry <= $2`,
		interfaces.AddressString(req.Party), now.UTC()); err != nil {
		return false, unavailable(err, "expire deletion requests")
	}

	// deletion_requests_retention_pending_key makes a concurrent sweep
	// inserting for the same party a no-op.
	query := `INSERT INTO deletion_requests (` + deletionColumns + `)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::jsonb,
			$7::text, $8::bytea, $9::timestamptz, $10::timestamptz, $11::timestamptz, $12::jsonb
		WHERE NOT EXISTS (SELECT 1 FROM deletion_requests WHERE party_address = $2 AND status = 'pending')
		ON CONFLICT DO NOTHING`
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, unavailable(err, "insert deletion request")
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable(err, "commit deletion request")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) GetDeletion(ctx context.Context, id string) (*DeletionRequest, error) {
	return getDeletion(ctx, s.db, id, false)
}

func getDeletion(ctx context.Context, exec dbExecutor, id string, forUpdate bool) (*DeletionRequest, error) {
	query := `SELECT ` + deletionColumns + ` FROM deletion_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	req, err := scanDeletion(exec.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("deletion request %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, unavailable(err, "get deletion request")
	}
	return req, nil
}

func (s *PostgresStore) UpdateDeletion(ctx context.Context, id string, fn func(*DeletionRequest) error) (*DeletionRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err, "begin deletion update")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	req, err := getDeletion(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(req); err != nil {
		return nil, err
	}
	args, err := deletionArgs(req)
	if err != nil {
		return nil, err
	}
	query := `UPDATE deletion_requests SET
		party_address = $2, request_type = $3, reason = $4, consent_type = $5, data_categories = $6,
		status = $7, code_hash = $8, verification_expiry = $9, created_at = $10, completion_date = $11,
		deletion_results = $12
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, unavailable(err, "update deletion request")
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "commit deletion request")
	}
	return req, nil
}

func (s *PostgresStore) ListDeletions(ctx context.Context, party interfaces.Address) ([]*DeletionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deletionColumns+` FROM deletion_requests
		WHERE party_address = $1 ORDER BY created_at DESC, id`, interfaces.AddressString(party))
	if err != nil {
		return nil, unavailable(err, "list deletion requests")
	}
	defer rows.Close()

	var out []*DeletionRequest
	for rows.Next() {
		req, err := scanDeletion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deletion request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate deletion requests")
	}
	return out, nil
}

func scanDeletion(row rowScanner) (*DeletionRequest, error) {
	var (
		req                              DeletionRequest
		party, reqType, consentType, sts string
		categories, results              []byte
		completed                        sql.NullTime
	)
	if err := row.Scan(&req.ID, &party, &reqType, &req.Reason, &consentType, &categories,
		&sts, &req.CodeHash, &req.VerificationExpiry, &req.CreatedAt, &completed, &results); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(categories, &req.DataCategories); err != nil {
		return nil, fmt.Errorf("decode data categories of %s: %w", req.ID, err)
	}
	if err := json.Unmarshal(results, &req.Results); err != nil {
		return nil, fmt.Errorf("decode deletion results of %s: %w", req.ID, err)
	}
	if len(req.Results) == 0 {
		req.Results = nil
	}
	if len(req.CodeHash) == 0 {
		req.CodeHash = nil
	}
	req.Party = common.HexToAddress(party)
	req.RequestType = DeletionType(reqType)
	req.ConsentType = Type(consentType)
	req.Status = RequestStatus(sts)
	req.VerificationExpiry = req.VerificationExpiry.UTC()
	req.CreatedAt = req.CreatedAt.UTC()
	req.CompletionDate = timePtr(completed)
	return &req, nil
}

func exportArgs(req *ExportRequest) ([]any, error) {
	categories, err := json.Marshal(nonNil(req.DataCategories))
	if err != nil {
		return nil, fmt.Errorf("encode data categories: %w", err)
	}
	var (
		fileName, contentType string
		data                  []byte
		generated             sql.NullTime
	)
	if f := req.GeneratedFile; f != nil {
		fileName, contentType, data = f.FileName, f.ContentType, f.Data
		generated = sql.NullTime{Time: f.GeneratedAt.UTC(), Valid: true}
	}
	return []any{
		req.ID, interfaces.AddressString(req.Party), string(req.Format), categories, string(req.Status),
		req.CreatedAt.UTC(), req.ExpiryDate.UTC(), fileName, contentType, data, generated,
	}, nil
}

func (s *PostgresStore) InsertExport(ctx context.Context, req *ExportRequest) error {
	args, err := exportArgs(req)
	if err != nil {
		return err
	}
	query := `INSERT INTO export_requests (` + exportColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return unavailable(err, "insert export request")
	}
	return nil
}

func (s *PostgresStore) GetExport(ctx context.Context, id string) (*ExportRequest, error) {
	return getExport(ctx, s.db, id, false)
}

func getExport(ctx context.Context, exec dbExecutor, id string, forUpdate bool) (*ExportRequest, error) {
	query := `SELECT ` + exportColumns + ` FROM export_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	req, err := scanExport(exec.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("export request %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, unavailable(err, "get export request")
	}
	return req, nil
}

func (s *PostgresStore) UpdateExport(ctx context.Context, id string, fn func(*ExportRequest) error) (*ExportRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err, "begin export update")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	req, err := getExport(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(req); err != nil {
		return nil, err
	}
	args, err := exportArgs(req)
	if err != nil {
		return nil, err
	}
	query := `UPDATE export_requests SET
		party_address = $2, export_format = $3, data_categories = $4, status = $5, created_at = $6,
		expiry_date = $7, file_name = $8, content_type = $9, file_data = $10, generated_at = $11
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, unavailable(err, "update export request")
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "commit export request")
	}
	return req, nil
}

func (s *PostgresStore) ListExports(ctx context.Context, party interfaces.Address) ([]*ExportRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+exportColumns+` FROM export_requests
		WHERE party_address = $1 ORDER BY created_at DESC, id`, interfaces.AddressString(party))
	if err != nil {
		return nil, unavailable(err, "list export requests")
	}
	defer rows.Close()

	var out []*ExportRequest
	for rows.Next() {
		req, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate export requests")
	}
	return out, nil
}

func scanExport(row rowScanner) (*ExportRequest, error) {
	var (
		req                   ExportRequest
		party, format, sts    string
		categories            []byte
		fileName, contentType string
		data                  []byte
		generated             sql.NullTime
	)
	if err := row.Scan(&req.ID, &party, &format, &categories, &sts, &req.CreatedAt,
		&req.ExpiryDate, &fileName, &contentType, &data, &generated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(categories, &req.DataCategories); err != nil {
		return nil, fmt.Errorf("decode data categories of %s: %w", req.ID, err)
	}
	req.Party = common.HexToAddress(party)
	req.Format = Format(format)
	req.Status = RequestStatus(sts)
	req.CreatedAt = req.CreatedAt.UTC()
	req.ExpiryDate = req.ExpiryDate.UTC()
	if generated.Valid {
		req.GeneratedFile = &ExportFile{
			FileName:    fileName,
			ContentType: contentType,
			Data:        data,
			GeneratedAt: generated.Time.UTC(),
		}
	}
	return &req, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
