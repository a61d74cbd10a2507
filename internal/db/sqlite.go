package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rawblock/fluxflow-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init
// works wherever the binary runs, without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// unknownsCap bounds each side of the unknowns query.
const unknownsCap = 1000

// Store is the only writer of durable state. Everything lives in one
// SQLite file; writes are serialized through the single connection while
// WAL keeps concurrent readers unblocked.
type Store struct {
	db *sql.DB
}

// Open initializes the database file, enables WAL journaling and applies
// the embedded schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the pipeline and the enhancer.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	log.Printf("[DB] Flow store ready at %s", path)
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SaveBlock upserts a block by height.
func (s *Store) SaveBlock(ctx context.Context, b models.Block) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (height, hash, time, tx_count, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (height) DO UPDATE SET
			hash = excluded.hash, time = excluded.time,
			tx_count = excluded.tx_count, size = excluded.size`,
		b.Height, b.Hash, b.Time, b.TxCount, b.Size)
	return err
}

// SaveTransaction upserts a transaction by txid.
func (s *Store) SaveTransaction(ctx context.Context, t models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (txid, block_height, num_inputs, num_outputs, total_in, total_out)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (txid) DO UPDATE SET
			block_height = excluded.block_height,
			num_inputs = excluded.num_inputs, num_outputs = excluded.num_outputs,
			total_in = excluded.total_in, total_out = excluded.total_out`,
		t.Txid, t.BlockHeight, t.NumInputs, t.NumOutputs, t.TotalIn, t.TotalOut)
	return err
}

// SaveFlowEventsBatch commits every event in one transaction. The
// pipeline writes hundreds of events per batch; per-event transactions
// would contend with the enhancer's row updates, so the batch either
// lands whole or not at all. (txid, vout) collisions resolve
// last-write-wins.
func (s *Store) SaveFlowEventsBatch(ctx context.Context, events []models.FlowEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flow event batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flow_events
			(txid, vout, block_height, block_time,
			 from_address, from_type, from_details,
			 to_address, to_type, to_details,
			 flow_type, amount,
			 classification_level, intermediary_wallet, hop_chain,
			 analysis_timestamp, data_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (txid, vout) DO UPDATE SET
			block_height = excluded.block_height,
			block_time = excluded.block_time,
			from_address = excluded.from_address,
			from_type = excluded.from_type,
			from_details = excluded.from_details,
			to_address = excluded.to_address,
			to_type = excluded.to_type,
			to_details = excluded.to_details,
			flow_type = excluded.flow_type,
			amount = excluded.amount,
			classification_level = excluded.classification_level,
			intermediary_wallet = excluded.intermediary_wallet,
			hop_chain = excluded.hop_chain,
			analysis_timestamp = excluded.analysis_timestamp,
			data_source = excluded.data_source`)
	if err != nil {
		return fmt.Errorf("prepare flow event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.Txid, e.Vout, e.BlockHeight, e.BlockTime,
			e.FromAddress, string(e.FromType), detailsParam(e.FromDetails),
			e.ToAddress, string(e.ToType), detailsParam(e.ToDetails),
			string(e.FlowType), e.Amount,
			e.ClassificationLevel, nullStr(e.IntermediaryWallet), hopChainParam(e.HopChain),
			nullInt(e.AnalysisTimestamp), string(e.DataSource),
		); err != nil {
			return fmt.Errorf("insert flow event %s:%d: %w", e.Txid, e.Vout, err)
		}
	}

	return tx.Commit()
}

// GetFlowEvents returns events with block_height in [low, high], newest
// first, detail columns decoded.
func (s *Store) GetFlowEvents(ctx context.Context, low, high int64) ([]models.FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx, flowEventColumns+`
		FROM flow_events
		WHERE block_height >= ? AND block_height <= ?
		ORDER BY block_height DESC, id DESC`, low, high)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowEvents(rows)
}

// UnknownWallets is the enhancement engine's work queue: level-0 events
// whose unknown side has not been analyzed within the cooldown.
type UnknownWallets struct {
	Buys  []models.FlowEvent `json:"buys"`
	Sells []models.FlowEvent `json:"sells"`
	Total int                `json:"total"`
}

// GetUnknownWallets returns unknown-side flow events eligible for
// enhancement. Events stamped within retryAfterSeconds are excluded so
// failed analyses cool down instead of spinning.
func (s *Store) GetUnknownWallets(ctx context.Context, retryAfterSeconds int64) (UnknownWallets, error) {
	cutoff := time.Now().Unix() - retryAfterSeconds

	query := func(side string) ([]models.FlowEvent, error) {
		rows, err := s.db.QueryContext(ctx, flowEventColumns+`
			FROM flow_events
			WHERE classification_level = 0
			  AND `+side+` = 'unknown'
			  AND (analysis_timestamp IS NULL OR analysis_timestamp < ?)
			ORDER BY block_height DESC, id DESC
			LIMIT ?`, cutoff, unknownsCap)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanFlowEvents(rows)
	}

	var out UnknownWallets
	buys, err := query("to_type")
	if err != nil {
		return out, fmt.Errorf("query unknown buys: %w", err)
	}
	sells, err := query("from_type")
	if err != nil {
		return out, fmt.Errorf("query unknown sells: %w", err)
	}
	out.Buys, out.Sells = buys, sells
	out.Total = len(buys) + len(sells)
	return out, nil
}

// CountUnknowns returns the total eligible unknown count without paging.
func (s *Store) CountUnknowns(ctx context.Context, retryAfterSeconds int64) (int, error) {
	cutoff := time.Now().Unix() - retryAfterSeconds
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM flow_events
		WHERE classification_level = 0
		  AND (to_type = 'unknown' OR from_type = 'unknown')
		  AND (analysis_timestamp IS NULL OR analysis_timestamp < ?)`, cutoff).Scan(&n)
	return n, err
}

// UpdateFlowEventClassification applies a partial update to one event.
// Only non-nil patch fields are written; the call is idempotent.
func (s *Store) UpdateFlowEventClassification(ctx context.Context, id int64, patch models.ClassificationPatch) error {
	sets := make([]string, 0, 9)
	args := make([]interface{}, 0, 10)

	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.ClassificationLevel != nil {
		add("classification_level", *patch.ClassificationLevel)
	}
	if patch.IntermediaryWallet != nil {
		add("intermediary_wallet", nullStr(*patch.IntermediaryWallet))
	}
	if patch.HopChain != nil {
		add("hop_chain", hopChainParam(patch.HopChain))
	}
	if patch.AnalysisTimestamp != nil {
		add("analysis_timestamp", *patch.AnalysisTimestamp)
	}
	if patch.DataSource != nil {
		add("data_source", string(*patch.DataSource))
	}
	if patch.FromType != nil {
		add("from_type", string(*patch.FromType))
	}
	if patch.FromDetails != nil {
		add("from_details", string(patch.FromDetails))
	}
	if patch.ToType != nil {
		add("to_type", string(*patch.ToType))
	}
	if patch.ToDetails != nil {
		add("to_details", string(patch.ToDetails))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	_, err := s.db.ExecContext(ctx,
		"UPDATE flow_events SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update flow event %d: %w", id, err)
	}
	return nil
}

// CleanupOldData deletes flow events, transactions and blocks below the
// retention floor in one transaction, then compacts the file. The sweep
// runs between pipeline batches, never during a commit.
func (s *Store) CleanupOldData(ctx context.Context, currentBlock, windowBlocks int64) error {
	floor := currentBlock - windowBlocks
	if floor <= 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retention sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted int64
	for _, stmt := range []string{
		"DELETE FROM flow_events WHERE block_height < ?",
		"DELETE FROM transactions WHERE block_height < ?",
		"DELETE FROM blocks WHERE height < ?",
	} {
		res, err := tx.ExecContext(ctx, stmt, floor)
		if err != nil {
			return fmt.Errorf("retention sweep: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// VACUUM cannot run inside a transaction.
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		log.Printf("[DB] Vacuum after retention sweep failed: %v", err)
	}
	log.Printf("[DB] Retention sweep removed %d rows below height %d", deleted, floor)
	return nil
}

// Stats summarizes the stored dataset for the status endpoint.
type Stats struct {
	Blocks        int64              `json:"blocks"`
	Transactions  int64              `json:"transactions"`
	FlowEvents    int64              `json:"flowEvents"`
	ByFlowType    map[string]float64 `json:"amountByFlowType"`
	CountByType   map[string]int64   `json:"countByFlowType"`
	ByEnhancement map[string]int64   `json:"countByLevelSource"` // "level/source" → count
	MinHeight     int64              `json:"minHeight"`
	MaxHeight     int64              `json:"maxHeight"`
	FileSizeBytes int64              `json:"fileSizeBytes"`
}

// GetStats gathers table counts, per-flow-type aggregates, enhancement
// level breakdown and the stored height range.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByFlowType:    map[string]float64{},
		CountByType:   map[string]int64{},
		ByEnhancement: map[string]int64{},
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM blocks),
		       (SELECT COUNT(*) FROM transactions),
		       (SELECT COUNT(*) FROM flow_events),
		       (SELECT COALESCE(MIN(height), 0) FROM blocks),
		       (SELECT COALESCE(MAX(height), 0) FROM blocks)`)
	if err := row.Scan(&stats.Blocks, &stats.Transactions, &stats.FlowEvents, &stats.MinHeight, &stats.MaxHeight); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_type, COUNT(*), COALESCE(SUM(amount), 0)
		FROM flow_events GROUP BY flow_type`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var ft string
		var n int64
		var sum float64
		if err := rows.Scan(&ft, &n, &sum); err != nil {
			rows.Close()
			return stats, err
		}
		stats.CountByType[ft] = n
		stats.ByFlowType[ft] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT classification_level, data_source, COUNT(*)
		FROM flow_events GROUP BY classification_level, data_source`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var level int
		var src string
		var n int64
		if err := rows.Scan(&level, &src, &n); err != nil {
			return stats, err
		}
		stats.ByEnhancement[fmt.Sprintf("%d/%s", level, src)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.FileSizeBytes = pageCount * pageSize
		}
	}
	return stats, nil
}

// HeightRange returns the stored block span and count.
func (s *Store) HeightRange(ctx context.Context) (min, max, count int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(height), 0), COALESCE(MAX(height), 0), COUNT(*) FROM blocks`).
		Scan(&min, &max, &count)
	return
}

// TopMover is one row of the buyers/sellers leaderboard.
type TopMover struct {
	Address string  `json:"address"`
	Total   float64 `json:"total"`
	Events  int64   `json:"events"`
}

// TopMovers returns the top-n addresses by flow amount since minHeight.
// side "buyers" sums buying flows by destination, "sellers" sums selling
// flows by source.
func (s *Store) TopMovers(ctx context.Context, side string, minHeight int64, n int) ([]TopMover, error) {
	var addrCol, flowType string
	switch side {
	case "buyers":
		addrCol, flowType = "to_address", string(models.FlowBuying)
	case "sellers":
		addrCol, flowType = "from_address", string(models.FlowSelling)
	default:
		return nil, fmt.Errorf("unknown side %q (want buyers or sellers)", side)
	}
	if n <= 0 || n > 500 {
		n = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+addrCol+`, SUM(amount), COUNT(*)
		FROM flow_events
		WHERE flow_type = ? AND block_height >= ?
		GROUP BY `+addrCol+`
		ORDER BY SUM(amount) DESC
		LIMIT ?`, flowType, minHeight, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movers := make([]TopMover, 0, n)
	for rows.Next() {
		var m TopMover
		if err := rows.Scan(&m.Address, &m.Total, &m.Events); err != nil {
			return nil, err
		}
		movers = append(movers, m)
	}
	return movers, rows.Err()
}

// SetSyncState stores a scheduler checkpoint.
func (s *Store) SetSyncState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetSyncState reads a scheduler checkpoint; missing keys return "".
func (s *Store) GetSyncState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

const flowEventColumns = `
	SELECT id, txid, vout, block_height, block_time,
	       from_address, from_type, from_details,
	       to_address, to_type, to_details,
	       flow_type, amount,
	       classification_level, intermediary_wallet, hop_chain,
	       analysis_timestamp, data_source`

func scanFlowEvents(rows *sql.Rows) ([]models.FlowEvent, error) {
	events := make([]models.FlowEvent, 0)
	for rows.Next() {
		var e models.FlowEvent
		var fromDetails, toDetails, intermediary, hopChain sql.NullString
		var analysisTS sql.NullInt64
		var fromType, toType, flowType, dataSource string

		if err := rows.Scan(
			&e.ID, &e.Txid, &e.Vout, &e.BlockHeight, &e.BlockTime,
			&e.FromAddress, &fromType, &fromDetails,
			&e.ToAddress, &toType, &toDetails,
			&flowType, &e.Amount,
			&e.ClassificationLevel, &intermediary, &hopChain,
			&analysisTS, &dataSource,
		); err != nil {
			return nil, err
		}

		e.FromType = models.AddressType(fromType)
		e.ToType = models.AddressType(toType)
		e.FlowType = models.FlowType(flowType)
		e.DataSource = models.DataSource(dataSource)
		if fromDetails.Valid && fromDetails.String != "" {
			e.FromDetails = json.RawMessage(fromDetails.String)
		}
		if toDetails.Valid && toDetails.String != "" {
			e.ToDetails = json.RawMessage(toDetails.String)
		}
		if intermediary.Valid {
			e.IntermediaryWallet = intermediary.String
		}
		if hopChain.Valid && hopChain.String != "" {
			var chain []string
			if err := json.Unmarshal([]byte(hopChain.String), &chain); err == nil {
				e.HopChain = chain
			}
		}
		if analysisTS.Valid {
			e.AnalysisTimestamp = analysisTS.Int64
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func detailsParam(d json.RawMessage) interface{} {
	if len(d) == 0 {
		return nil
	}
	return string(d)
}

func hopChainParam(chain []string) interface{} {
	if len(chain) == 0 {
		return nil
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
