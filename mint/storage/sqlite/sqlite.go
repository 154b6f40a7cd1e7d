// Package sqlite is the mint's sole implemented persistence port backend.
// It speaks database/sql against a single-writer sqlite3 file, migrated
// with golang-migrate from embedded SQL files.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/chaumian/mint/cashu"
	"github.com/chaumian/mint/cashu/nuts/nut04"
	"github.com/chaumian/mint/cashu/nuts/nut05"
	"github.com/chaumian/mint/crypto"
	"github.com/chaumian/mint/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	sqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

// migrationsDir copies the embedded migration files to a temp directory.
// migrate's file source needs an actual filesystem path.
func migrationsDir() (string, error) {
	tempDir, err := os.MkdirTemp("", "migrations")
	if err != nil {
		return "", err
	}

	migrationFiles, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", err
	}

	for _, file := range migrationFiles {
		filePath := filepath.Join(tempDir, file.Name())

		migrationFilePath := filepath.Join("migrations", file.Name())
		migrationFile, err := migrations.Open(migrationFilePath)
		if err != nil {
			return "", err
		}
		defer migrationFile.Close()

		destFile, err := os.Create(filePath)
		if err != nil {
			return "", err
		}
		defer destFile.Close()

		if _, err := io.Copy(destFile, migrationFile); err != nil {
			return "", err
		}
	}

	return tempDir, nil
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY instead of retrying; the mint's
	// CAS operations are cheap enough that serializing them is fine.
	db.SetMaxOpenConns(1)

	tempMigrationsDir, err := migrationsDir()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempMigrationsDir)

	m, err := migrate.New(fmt.Sprintf("file://%s", tempMigrationsDir), fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

// isUniqueViolation reports whether err came from a PRIMARY KEY or UNIQUE
// constraint, i.e. an insert raced against (or repeated) an existing row.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`INSERT INTO seed (id, seed) VALUES (?, ?)`, "id", hexSeed)

	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	if err := row.Scan(&hexSeed); err != nil {
		return nil, err
	}

	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, seed, derivation_path_idx, input_fee_ppk) VALUES (?, ?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.Seed, keyset.DerivationPathIdx, keyset.InputFeePpk)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query("SELECT id, unit, active, seed, derivation_path_idx, input_fee_ppk FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.Seed,
			&keyset.DerivationPathIdx,
			&keyset.InputFeePpk,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, nil
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

func (sqlite *SQLiteDB) SaveProofs(proofs cashu.Proofs) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, witness) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness); err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				return storage.ErrProofExists
			}
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return nil, nil
	}

	proofs := []storage.DBProof{}
	query := `SELECT y, amount, keyset_id, secret, c, witness FROM proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`

	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString

		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&witness,
		)
		if err != nil {
			return nil, err
		}
		if witness.Valid {
			proof.Witness = witness.String
		}

		proofs = append(proofs, proof)
	}

	return proofs, nil
}

func (sqlite *SQLiteDB) AddPendingProofs(proofs cashu.Proofs, quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, witness, melt_quote_id) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness, quoteId); err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				return storage.ErrProofExists
			}
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return nil, nil
	}

	proofs := []storage.DBProof{}
	query := `SELECT y, amount, keyset_id, secret, c, witness, melt_quote_id FROM pending_proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`

	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString

		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&witness,
			&proof.MeltQuoteId,
		)
		if err != nil {
			return nil, err
		}
		if witness.Valid {
			proof.Witness = witness.String
		}

		proofs = append(proofs, proof)
	}

	return proofs, nil
}

func (sqlite *SQLiteDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	query := `SELECT y, amount, keyset_id, secret, c, witness FROM pending_proofs WHERE melt_quote_id = ?`

	rows, err := sqlite.db.Query(query, quoteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString

		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&witness,
		)
		if err != nil {
			return nil, err
		}
		if witness.Valid {
			proof.Witness = witness.String
		}

		proofs = append(proofs, proof)
	}

	return proofs, nil
}

func (sqlite *SQLiteDB) RemovePendingProofs(Ys []string) error {
	if len(Ys) == 0 {
		return nil
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("DELETE FROM pending_proofs WHERE y = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, y := range Ys {
		if _, err := stmt.Exec(y); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	var pubkey string
	if mintQuote.Pubkey != nil {
		pubkey = hex.EncodeToString(mintQuote.Pubkey.SerializeCompressed())
	}

	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes (id, unit, payment_request, payment_hash, amount, state, expiry, pubkey, issued_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.Unit,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
		pubkey,
		mintQuote.IssuedAmount,
	)

	return err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting the
// same scan helper serve single-row lookups and the list-by-state scans.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMintQuote(row rowScanner) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string
	var pubkey sql.NullString

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.Unit,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
		&pubkey,
		&mintQuote.IssuedAmount,
	)
	if err != nil {
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)

	if pubkey.Valid && len(pubkey.String) > 0 {
		hexPubkey, err := hex.DecodeString(pubkey.String)
		if err != nil {
			return storage.MintQuote{}, fmt.Errorf("invalid public key in db: %v", err)
		}

		publicKey, err := secp256k1.ParsePubKey(hexPubkey)
		if err != nil {
			return storage.MintQuote{}, fmt.Errorf("invalid public key in db: %v", err)
		}
		mintQuote.Pubkey = publicKey
	}

	return mintQuote, nil
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		`SELECT id, unit, payment_request, payment_hash, amount, state, expiry, pubkey, issued_amount
		FROM mint_quotes WHERE id = ?`,
		quoteId,
	)
	return scanMintQuote(row)
}

func (sqlite *SQLiteDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		`SELECT id, unit, payment_request, payment_hash, amount, state, expiry, pubkey, issued_amount
		FROM mint_quotes WHERE payment_hash = ?`,
		paymentHash,
	)
	return scanMintQuote(row)
}

// GetMintQuotesByState is used by the startup reconciler to find every
// mint quote left Unpaid across a restart.
func (sqlite *SQLiteDB) GetMintQuotesByState(state nut04.State) ([]storage.MintQuote, error) {
	rows, err := sqlite.db.Query(
		`SELECT id, unit, payment_request, payment_hash, amount, state, expiry, pubkey, issued_amount
		FROM mint_quotes WHERE state = ?`,
		state.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []storage.MintQuote
	for rows.Next() {
		quote, err := scanMintQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

// UpdateMintQuoteState is the mint quote state machine's compare-and-set:
// it only applies the transition if the row is still in "from", and
// reports storage.ErrQuoteStateChanged if a concurrent request already
// moved it on.
func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		to.String(), quoteId, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateChanged
	}
	return nil
}

func (sqlite *SQLiteDB) IncrementMintQuoteIssued(quoteId string, amount uint64) error {
	result, err := sqlite.db.Exec(
		"UPDATE mint_quotes SET issued_amount = issued_amount + ? WHERE id = ?",
		amount, quoteId,
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("mint quote was not found")
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, unit, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.Unit,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
		meltQuote.IsMpp,
		meltQuote.AmountMsat,
	)

	return err
}

func scanMeltQuote(row rowScanner) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string
	var isMpp sql.NullBool
	var amountMsat sql.NullInt64
	var preimage sql.NullString

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.Unit,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&preimage,
		&isMpp,
		&amountMsat,
	)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)
	if preimage.Valid {
		meltQuote.Preimage = preimage.String
	}
	if isMpp.Valid {
		meltQuote.IsMpp = isMpp.Bool
	}
	if amountMsat.Valid {
		meltQuote.AmountMsat = uint64(amountMsat.Int64)
	}

	return meltQuote, nil
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		`SELECT id, unit, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat
		FROM melt_quotes WHERE id = ?`,
		quoteId,
	)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuoteByPaymentRequest(invoice string) (*storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		`SELECT id, unit, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat
		FROM melt_quotes WHERE request = ?`,
		invoice,
	)
	quote, err := scanMeltQuote(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &quote, nil
}

// GetMeltQuotesByState is used by the startup reconciler to find every
// melt quote left Pending across a restart.
func (sqlite *SQLiteDB) GetMeltQuotesByState(state nut05.State) ([]storage.MeltQuote, error) {
	rows, err := sqlite.db.Query(
		`SELECT id, unit, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat
		FROM melt_quotes WHERE state = ?`,
		state.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []storage.MeltQuote
	for rows.Next() {
		quote, err := scanMeltQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

// UpdateMeltQuoteState is the melt quote state machine's compare-and-set
// counterpart to UpdateMintQuoteState. preimage is written only when
// present; it is never cleared by a later transition.
func (sqlite *SQLiteDB) UpdateMeltQuoteState(quoteId string, from, to nut05.State, preimage string) error {
	var result sql.Result
	var err error
	if preimage != "" {
		result, err = sqlite.db.Exec(
			"UPDATE melt_quotes SET state = ?, preimage = ? WHERE id = ? AND state = ?",
			to.String(), preimage, quoteId, from.String(),
		)
	} else {
		result, err = sqlite.db.Exec(
			"UPDATE melt_quotes SET state = ? WHERE id = ? AND state = ?",
			to.String(), quoteId, from.String(),
		)
	}
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateChanged
	}
	return nil
}

func (sqlite *SQLiteDB) SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sig := range blindSignatures {
		var e, s string
		if sig.DLEQ != nil {
			e, s = sig.DLEQ.E, sig.DLEQ.S
		}
		if _, err := stmt.Exec(B_s[i], sig.C_, sig.Id, sig.Amount, e, s); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := sqlite.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)

	var signature cashu.BlindedSignature
	var e sql.NullString
	var s sql.NullString

	err := row.Scan(
		&signature.Amount,
		&signature.C_,
		&signature.Id,
		&e,
		&s,
	)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}

	if e.Valid && s.Valid && e.String != "" && s.String != "" {
		signature.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String}
	}

	return signature, nil
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return nil, nil
	}

	signatures := cashu.BlindedSignatures{}
	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` + strings.Repeat(",?", len(B_s)-1) + `)`

	args := make([]any, len(B_s))
	for i, B_ := range B_s {
		args[i] = B_
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var signature cashu.BlindedSignature
		var e sql.NullString
		var s sql.NullString

		err := rows.Scan(
			&signature.Amount,
			&signature.C_,
			&signature.Id,
			&e,
			&s,
		)
		if err != nil {
			return nil, err
		}

		if e.Valid && s.Valid && e.String != "" && s.String != "" {
			signature.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String}
		}

		signatures = append(signatures, signature)
	}

	return signatures, nil
}

func (sqlite *SQLiteDB) GetIssuedEcash() (map[string]uint64, error) {
	ecashIssued := make(map[string]uint64)

	rows, err := sqlite.db.Query("SELECT keyset_id, amount FROM total_issued")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		ecashIssued[keysetId] = amount
	}

	return ecashIssued, nil
}

func (sqlite *SQLiteDB) GetRedeemedEcash() (map[string]uint64, error) {
	ecashRedeemed := make(map[string]uint64)

	rows, err := sqlite.db.Query("SELECT keyset_id, amount FROM total_redeemed")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		ecashRedeemed[keysetId] = amount
	}

	return ecashRedeemed, nil
}
