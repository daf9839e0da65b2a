// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store on SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (or creates) the database at dbPath and runs
// migrations.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("operation store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		operation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		op_type TEXT NOT NULL,
		status TEXT NOT NULL,
		card_number TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '0',
		reason TEXT NOT NULL DEFAULT '',
		heartbeat_at_ms INTEGER,
		heartbeat_expiry_ms INTEGER,
		final_confirm_expiry_ms INTEGER,
		completed_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		detail_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_heartbeat ON operations(heartbeat_expiry_ms);
	CREATE INDEX IF NOT EXISTS idx_operations_updated ON operations(updated_at_ms);
	CREATE INDEX IF NOT EXISTS idx_operations_user ON operations(user_id);

	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		totp_seed TEXT NOT NULL DEFAULT '',
		proxy_id TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		balance TEXT NOT NULL DEFAULT '0',
		balance_refreshed_at_ms INTEGER,
		cooldown_until_ms INTEGER,
		fail_reason TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS proxies (
		proxy_id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT ''
	);

	-- Ledger rows deliberately carry no foreign key to operations:
	-- the money trail must survive operation pruning.
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_operation ON transactions(operation_id);

	-- At most one refund per operation, enforced by the database so a
	-- crashed-and-retried worker cannot pay a user twice.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_refund_once
		ON transactions(operation_id) WHERE kind = 'REFUND';
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// operationDetail carries the structured tail of an operation as one
// JSON column. Everything queried by SQL lives in real columns.
type operationDetail struct {
	SelectedPackage   *model.Package      `json:"selectedPackage,omitempty"`
	PromoCode         string              `json:"promoCode,omitempty"`
	SmartcardType     model.SmartcardType `json:"smartcardType,omitempty"`
	STBNumber         string              `json:"stbNumber,omitempty"`
	AvailablePackages []model.Package     `json:"availablePackages,omitempty"`
	CaptchaImage      string              `json:"captchaImage,omitempty"`
	CaptchaSolution   string              `json:"captchaSolution,omitempty"`
	ResponseData      *model.ResponseData `json:"responseData,omitempty"`
	ResponseMessage   string              `json:"responseMessage,omitempty"`
}

func detailOf(op *model.Operation) operationDetail {
	return operationDetail{
		SelectedPackage:   op.SelectedPackage,
		PromoCode:         op.PromoCode,
		SmartcardType:     op.SmartcardType,
		STBNumber:         op.STBNumber,
		AvailablePackages: op.AvailablePackages,
		CaptchaImage:      op.CaptchaImage,
		CaptchaSolution:   op.CaptchaSolution,
		ResponseData:      op.ResponseData,
		ResponseMessage:   op.ResponseMessage,
	}
}

func (d operationDetail) applyTo(op *model.Operation) {
	op.SelectedPackage = d.SelectedPackage
	op.PromoCode = d.PromoCode
	op.SmartcardType = d.SmartcardType
	op.STBNumber = d.STBNumber
	op.AvailablePackages = d.AvailablePackages
	op.CaptchaImage = d.CaptchaImage
	op.CaptchaSolution = d.CaptchaSolution
	op.ResponseData = d.ResponseData
	op.ResponseMessage = d.ResponseMessage
}

const operationColumns = `operation_id, user_id, op_type, status, card_number, account_id, amount, reason,
	heartbeat_at_ms, heartbeat_expiry_ms, final_confirm_expiry_ms, completed_at_ms,
	created_at_ms, updated_at_ms, detail_json`

// --- Operations ---

func (s *SqliteStore) PutOperation(ctx context.Context, op *model.Operation) error {
	detailJSON, err := json.Marshal(detailOf(op))
	if err != nil {
		return fmt.Errorf("marshal operation detail: %w", err)
	}

	query := `
	INSERT INTO operations (` + operationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(operation_id) DO UPDATE SET
		user_id = excluded.user_id,
		op_type = excluded.op_type,
		status = excluded.status,
		card_number = excluded.card_number,
		account_id = excluded.account_id,
		amount = excluded.amount,
		reason = excluded.reason,
		heartbeat_at_ms = excluded.heartbeat_at_ms,
		heartbeat_expiry_ms = excluded.heartbeat_expiry_ms,
		final_confirm_expiry_ms = excluded.final_confirm_expiry_ms,
		completed_at_ms = excluded.completed_at_ms,
		updated_at_ms = excluded.updated_at_ms,
		detail_json = excluded.detail_json
	`

	_, err = s.DB.ExecContext(ctx, query,
		op.ID, op.UserID, op.Type, op.Status, op.CardNumber, op.AccountID,
		op.Amount.String(), op.Reason,
		s2ms(op.HeartbeatAtUnix), s2ms(op.HeartbeatExpiryUnix),
		s2ms(op.FinalConfirmExpiryUnix), s2ms(op.CompletedAtUnix),
		s2ms(op.CreatedAtUnix), s2ms(op.UpdatedAtUnix), detailJSON,
	)
	return err
}

func (s *SqliteStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE operation_id = ?`, id)
	return scanOperation(row)
}

func (s *SqliteStore) UpdateOperation(ctx context.Context, id string, fn func(*model.Operation) error) (*model.Operation, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	op, err := scanOperation(tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE operation_id = ?`, id))
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrNotFound
	}

	if err := fn(op); err != nil {
		return nil, err
	}

	detailJSON, err := json.Marshal(detailOf(op))
	if err != nil {
		return nil, fmt.Errorf("marshal operation detail: %w", err)
	}

	updateQuery := `
	UPDATE operations SET
		user_id = ?, op_type = ?, status = ?, card_number = ?, account_id = ?,
		amount = ?, reason = ?, heartbeat_at_ms = ?, heartbeat_expiry_ms = ?,
		final_confirm_expiry_ms = ?, completed_at_ms = ?, updated_at_ms = ?,
		detail_json = ?
	WHERE operation_id = ?
	`
	_, err = tx.ExecContext(ctx, updateQuery,
		op.UserID, op.Type, op.Status, op.CardNumber, op.AccountID,
		op.Amount.String(), op.Reason,
		s2ms(op.HeartbeatAtUnix), s2ms(op.HeartbeatExpiryUnix),
		s2ms(op.FinalConfirmExpiryUnix), s2ms(op.CompletedAtUnix),
		s2ms(op.UpdatedAtUnix), detailJSON, op.ID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *SqliteStore) QueryOperations(ctx context.Context, filter OperationFilter) ([]*model.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE 1=1`
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		query += " AND status IN ("
		for i, st := range filter.Statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, st)
		}
		query += ")"
	}
	if filter.HeartbeatExpiresBefore > 0 {
		query += " AND heartbeat_expiry_ms > 0 AND heartbeat_expiry_ms < ?"
		args = append(args, s2ms(filter.HeartbeatExpiresBefore))
	}
	if filter.UpdatedBefore > 0 {
		query += " AND updated_at_ms < ?"
		args = append(args, s2ms(filter.UpdatedBefore))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	query += " ORDER BY created_at_ms ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, op)
	}
	return results, rows.Err()
}

func (s *SqliteStore) DeleteOperation(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM operations WHERE operation_id = ?", id)
	return err
}

func (s *SqliteStore) PruneOperations(ctx context.Context, updatedBefore time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM operations WHERE status IN (?, ?, ?) AND updated_at_ms < ?",
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
		updatedBefore.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	count, _ := res.RowsAffected()
	return int(count), nil
}

// --- Dealer accounts ---

func (s *SqliteStore) PutAccount(ctx context.Context, acct *model.Account) error {
	query := `
	INSERT INTO accounts (
		account_id, username, password, totp_seed, proxy_id, active, priority,
		balance, balance_refreshed_at_ms, cooldown_until_ms, fail_reason,
		created_at_ms, updated_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
		username = excluded.username,
		password = excluded.password,
		totp_seed = excluded.totp_seed,
		proxy_id = excluded.proxy_id,
		active = excluded.active,
		priority = excluded.priority,
		balance = excluded.balance,
		balance_refreshed_at_ms = excluded.balance_refreshed_at_ms,
		cooldown_until_ms = excluded.cooldown_until_ms,
		fail_reason = excluded.fail_reason,
		updated_at_ms = excluded.updated_at_ms
	`
	_, err := s.DB.ExecContext(ctx, query,
		acct.ID, acct.Username, acct.Password, acct.TOTPSeed, acct.ProxyID,
		boolToInt(acct.Active), acct.Priority, acct.Balance.String(),
		s2ms(acct.BalanceRefreshedAtUnix), s2ms(acct.CooldownUntilUnix),
		acct.FailReason, s2ms(acct.CreatedAtUnix), s2ms(acct.UpdatedAtUnix),
	)
	return err
}

const accountColumns = `account_id, username, password, totp_seed, proxy_id, active, priority,
	balance, balance_refreshed_at_ms, cooldown_until_ms, fail_reason, created_at_ms, updated_at_ms`

func (s *SqliteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, id)
	return scanAccount(row)
}

func (s *SqliteStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY priority DESC, account_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, acct)
	}
	return results, rows.Err()
}

func (s *SqliteStore) UpdateAccount(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, id))
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNotFound
	}

	if err := fn(acct); err != nil {
		return nil, err
	}

	updateQuery := `
	UPDATE accounts SET
		username = ?, password = ?, totp_seed = ?, proxy_id = ?, active = ?,
		priority = ?, balance = ?, balance_refreshed_at_ms = ?,
		cooldown_until_ms = ?, fail_reason = ?, updated_at_ms = ?
	WHERE account_id = ?
	`
	_, err = tx.ExecContext(ctx, updateQuery,
		acct.Username, acct.Password, acct.TOTPSeed, acct.ProxyID,
		boolToInt(acct.Active), acct.Priority, acct.Balance.String(),
		s2ms(acct.BalanceRefreshedAtUnix), s2ms(acct.CooldownUntilUnix),
		acct.FailReason, s2ms(acct.UpdatedAtUnix), acct.ID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *SqliteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM accounts WHERE account_id = ?", id)
	return err
}

// --- Proxies ---

func (s *SqliteStore) PutProxy(ctx context.Context, p *model.Proxy) error {
	query := `
	INSERT INTO proxies (proxy_id, host, port, username, password)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(proxy_id) DO UPDATE SET
		host = excluded.host,
		port = excluded.port,
		username = excluded.username,
		password = excluded.password
	`
	_, err := s.DB.ExecContext(ctx, query, p.ID, p.Host, p.Port, p.Username, p.Password)
	return err
}

func (s *SqliteStore) GetProxy(ctx context.Context, id string) (*model.Proxy, error) {
	var p model.Proxy
	err := s.DB.QueryRowContext(ctx,
		"SELECT proxy_id, host, port, username, password FROM proxies WHERE proxy_id = ?", id,
	).Scan(&p.ID, &p.Host, &p.Port, &p.Username, &p.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *SqliteStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT proxy_id, host, port, username, password FROM proxies ORDER BY proxy_id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Proxy
	for rows.Next() {
		var p model.Proxy
		if err := rows.Scan(&p.ID, &p.Host, &p.Port, &p.Username, &p.Password); err != nil {
			return nil, err
		}
		results = append(results, &p)
	}
	return results, rows.Err()
}

// --- Ledger ---

func (s *SqliteStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	res, err := s.DB.ExecContext(ctx,
		"INSERT INTO transactions (operation_id, user_id, kind, amount, created_at_ms) VALUES (?, ?, ?, ?, ?)",
		txn.OperationID, txn.UserID, txn.Kind, txn.Amount.String(), s2ms(txn.CreatedAtUnix),
	)
	if err != nil {
		if txn.Kind == model.TxnRefund && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateRefund
		}
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		txn.ID = id
	}
	return nil
}

func (s *SqliteStore) ListTransactions(ctx context.Context, operationID string) ([]*model.Transaction, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT id, operation_id, user_id, kind, amount, created_at_ms FROM transactions WHERE operation_id = ? ORDER BY id ASC",
		operationID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Transaction
	for rows.Next() {
		var txn model.Transaction
		var amount string
		var createdAt sql.NullInt64
		if err := rows.Scan(&txn.ID, &txn.OperationID, &txn.UserID, &txn.Kind, &amount, &createdAt); err != nil {
			return nil, err
		}
		txn.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse ledger amount %q: %w", amount, err)
		}
		txn.CreatedAtUnix = ms2s(createdAt)
		results = append(results, &txn)
	}
	return results, rows.Err()
}

func (s *SqliteStore) HasRefund(ctx context.Context, operationID string) (bool, error) {
	var exists int
	err := s.DB.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM transactions WHERE operation_id = ? AND kind = ?)",
		operationID, model.TxnRefund,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

// --- Helpers ---

func scanOperation(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Operation, error) {
	var op model.Operation
	var amount string
	var detailJSON []byte
	var heartbeatAt, heartbeatExpiry, confirmExpiry, completedAt, createdAt, updatedAt sql.NullInt64

	err := scanner.Scan(
		&op.ID, &op.UserID, &op.Type, &op.Status, &op.CardNumber, &op.AccountID,
		&amount, &op.Reason, &heartbeatAt, &heartbeatExpiry, &confirmExpiry,
		&completedAt, &createdAt, &updatedAt, &detailJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	op.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse operation amount %q: %w", amount, err)
	}
	op.HeartbeatAtUnix = ms2s(heartbeatAt)
	op.HeartbeatExpiryUnix = ms2s(heartbeatExpiry)
	op.FinalConfirmExpiryUnix = ms2s(confirmExpiry)
	op.CompletedAtUnix = ms2s(completedAt)
	op.CreatedAtUnix = ms2s(createdAt)
	op.UpdatedAtUnix = ms2s(updatedAt)

	var detail operationDetail
	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &detail); err != nil {
			return nil, fmt.Errorf("unmarshal operation detail for %s: %w", op.ID, err)
		}
	}
	detail.applyTo(&op)

	return &op, nil
}

func scanAccount(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Account, error) {
	var acct model.Account
	var active int
	var balance string
	var refreshedAt, cooldownUntil, createdAt, updatedAt sql.NullInt64

	err := scanner.Scan(
		&acct.ID, &acct.Username, &acct.Password, &acct.TOTPSeed, &acct.ProxyID,
		&active, &acct.Priority, &balance, &refreshedAt, &cooldownUntil,
		&acct.FailReason, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	acct.Active = active != 0
	acct.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse account balance %q: %w", balance, err)
	}
	acct.BalanceRefreshedAtUnix = ms2s(refreshedAt)
	acct.CooldownUntilUnix = ms2s(cooldownUntil)
	acct.CreatedAtUnix = ms2s(createdAt)
	acct.UpdatedAtUnix = ms2s(updatedAt)

	return &acct, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func s2ms(s int64) int64 { return s * 1000 }

func ms2s(ms sql.NullInt64) int64 {
	if !ms.Valid {
		return 0
	}
	return ms.Int64 / 1000
}
