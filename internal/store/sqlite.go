package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
)

// SQLiteStore persists all core tables in a single SQLite database.
// WAL mode allows concurrent readers while background jobs write.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and initializes the
// schema. An empty path opens an in-memory database for testing.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn for the in-memory case too.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS embedding_records (
		id           TEXT PRIMARY KEY,
		owner        TEXT NOT NULL,
		domain_tag   TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		field        TEXT NOT NULL,
		text_snippet TEXT NOT NULL,
		vector       BLOB NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		UNIQUE(owner, entity_id, field)
	);
	CREATE INDEX IF NOT EXISTS idx_embedding_owner ON embedding_records(owner);
	CREATE INDEX IF NOT EXISTS idx_embedding_entity ON embedding_records(owner, entity_id);

	CREATE TABLE IF NOT EXISTS entities (
		owner       TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(owner);

	CREATE TABLE IF NOT EXISTS behavior_log (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		payload     TEXT NOT NULL,
		ts          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_behavior_window ON behavior_log(owner, entity_id, ts);

	CREATE TABLE IF NOT EXISTS query_cache (
		key        TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS aggregate_snapshot (
		owner       TEXT NOT NULL,
		period      TEXT NOT NULL,
		metrics     TEXT NOT NULL,
		computed_at INTEGER NOT NULL,
		PRIMARY KEY (owner, period)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	return nil
}

// --- embedding records ---

// UpsertEmbedding inserts or replaces the current record for the record's
// (owner, entity, field) key. Updates replace in place, never append.
func (s *SQLiteStore) UpsertEmbedding(ctx context.Context, rec *EmbeddingRecord) error {
	if rec.ID == "" {
		rec.ID = RecordID(rec.Owner, rec.EntityID, rec.Field)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_records
			(id, owner, domain_tag, entity_id, field, text_snippet, vector, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, entity_id, field) DO UPDATE SET
			domain_tag   = excluded.domain_tag,
			text_snippet = excluded.text_snippet,
			vector       = excluded.vector,
			content_hash = excluded.content_hash,
			created_at   = excluded.created_at`,
		rec.ID, rec.Owner, string(rec.DomainTag), rec.EntityID, rec.Field,
		rec.TextSnippet, encodeVector(rec.Vector), rec.ContentHash, rec.CreatedAt.UnixNano())
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// GetEmbedding returns the current record for a key, or nil if none exists.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, owner, entityID, field string) (*EmbeddingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, domain_tag, entity_id, field, text_snippet, vector, content_hash, created_at
		FROM embedding_records WHERE owner = ? AND entity_id = ? AND field = ?`,
		owner, entityID, field)
	rec, err := scanEmbedding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return rec, nil
}

// GetEmbeddingByID returns the record with the given id, or nil.
func (s *SQLiteStore) GetEmbeddingByID(ctx context.Context, id string) (*EmbeddingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, domain_tag, entity_id, field, text_snippet, vector, content_hash, created_at
		FROM embedding_records WHERE id = ?`, id)
	rec, err := scanEmbedding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return rec, nil
}

// ContentHash returns the stored fingerprint for a key, or "" if the key
// has no current embedding.
func (s *SQLiteStore) ContentHash(ctx context.Context, owner, entityID, field string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash FROM embedding_records
		WHERE owner = ? AND entity_id = ? AND field = ?`,
		owner, entityID, field).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return hash, nil
}

// DeleteEmbeddings removes all records for a source entity (cascade on
// entity deletion) and returns the deleted record ids so the vector index
// can drop them too.
func (s *SQLiteStore) DeleteEmbeddings(ctx context.Context, owner, entityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM embedding_records WHERE owner = ? AND entity_id = ?`, owner, entityID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	_ = rows.Close()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM embedding_records WHERE owner = ? AND entity_id = ?`, owner, entityID); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return ids, nil
}

// GetEmbeddingsByIDs batch-loads records preserving no particular order.
func (s *SQLiteStore) GetEmbeddingsByIDs(ctx context.Context, ids []string) (map[string]*EmbeddingRecord, error) {
	result := make(map[string]*EmbeddingRecord, len(ids))
	for _, id := range ids {
		rec, err := s.GetEmbeddingByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			result[id] = rec
		}
	}
	return result, nil
}

// ForEachEmbedding streams every record (vectors included) to fn.
// Used to rebuild the in-memory vector index on open.
func (s *SQLiteStore) ForEachEmbedding(ctx context.Context, fn func(rec *EmbeddingRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, domain_tag, entity_id, field, text_snippet, vector, content_hash, created_at
		FROM embedding_records`)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanEmbedding(rows)
		if err != nil {
			return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountEmbeddings returns the number of records for an owner.
func (s *SQLiteStore) CountEmbeddings(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embedding_records WHERE owner = ?`, owner).Scan(&n)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmbedding(row rowScanner) (*EmbeddingRecord, error) {
	var rec EmbeddingRecord
	var tag string
	var blob []byte
	var createdAt int64
	if err := row.Scan(&rec.ID, &rec.Owner, &tag, &rec.EntityID, &rec.Field,
		&rec.TextSnippet, &blob, &rec.ContentHash, &createdAt); err != nil {
		return nil, err
	}
	rec.DomainTag = DomainTag(tag)
	rec.Vector = decodeVector(blob)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

// --- entity registry ---

// UpsertEntity records (or refreshes) a source entity in the registry.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, e *Entity) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (owner, entity_type, entity_id, name, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			owner = excluded.owner, name = excluded.name, updated_at = excluded.updated_at`,
		e.Owner, string(e.EntityType), e.EntityID, e.Name, e.UpdatedAt.UnixNano())
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// DeleteEntity removes a registry row and its behavior log.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, entityType DomainTag, entityID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM behavior_log WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// EntityOwner returns the owner of a registered entity, or "" if unknown.
func (s *SQLiteStore) EntityOwner(ctx context.Context, entityType DomainTag, entityID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return owner, nil
}

// CountEntities returns per-type entity counts for an owner.
func (s *SQLiteStore) CountEntities(ctx context.Context, owner string) (map[DomainTag]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM entities WHERE owner = ? GROUP BY entity_type`, owner)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	counts := make(map[DomainTag]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
		}
		counts[DomainTag(typ)] = n
	}
	return counts, rows.Err()
}

// Owners returns every owner with at least one registered entity.
func (s *SQLiteStore) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner FROM entities`)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// --- behavior log ---

// AppendBehavior appends an entry and trims the (owner, entity) window to
// windowSize entries, oldest first discarded, in one transaction.
func (s *SQLiteStore) AppendBehavior(ctx context.Context, e *BehaviorEntry, windowSize int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO behavior_log (id, owner, entity_type, entity_id, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Owner, string(e.EntityType), e.EntityID, string(e.Payload), e.Timestamp.UnixNano()); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}

	// FIFO eviction beyond the window bound.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM behavior_log
		WHERE owner = ? AND entity_id = ? AND id NOT IN (
			SELECT id FROM behavior_log
			WHERE owner = ? AND entity_id = ?
			ORDER BY ts DESC, id DESC LIMIT ?
		)`,
		e.Owner, e.EntityID, e.Owner, e.EntityID, windowSize); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}

	if err := tx.Commit(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// ListBehavior returns the window for one entity, newest first.
func (s *SQLiteStore) ListBehavior(ctx context.Context, owner, entityID string) ([]*BehaviorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, entity_type, entity_id, payload, ts FROM behavior_log
		WHERE owner = ? AND entity_id = ? ORDER BY ts DESC, id DESC`, owner, entityID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()
	return scanBehaviorRows(rows)
}

// ListBehaviorByOwner returns every log entry for an owner, newest first.
// The aggregation scheduler derives snapshot metrics from this.
func (s *SQLiteStore) ListBehaviorByOwner(ctx context.Context, owner string) ([]*BehaviorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, entity_type, entity_id, payload, ts FROM behavior_log
		WHERE owner = ? ORDER BY ts DESC, id DESC`, owner)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()
	return scanBehaviorRows(rows)
}

func scanBehaviorRows(rows *sql.Rows) ([]*BehaviorEntry, error) {
	var entries []*BehaviorEntry
	for rows.Next() {
		var e BehaviorEntry
		var typ, payload string
		var ts int64
		if err := rows.Scan(&e.ID, &e.Owner, &typ, &e.EntityID, &payload, &ts); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
		}
		e.EntityType = DomainTag(typ)
		e.Payload = []byte(payload)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- query cache ---

// CacheGet returns the payload for key if present and not expired.
func (s *SQLiteStore) CacheGet(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var payload []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM query_cache WHERE key = ?`, key).Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	if now.UnixNano() >= expiresAt {
		return nil, false, nil
	}
	return payload, true, nil
}

// CacheSet stores a payload with its expiry, replacing any prior entry.
func (s *SQLiteStore) CacheSet(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_cache (key, payload, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`,
		key, payload, expiresAt.UnixNano())
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// CacheInvalidateOwner drops every cache entry scoped to an owner.
// Best-effort invalidation after writes that affect the underlying data.
func (s *SQLiteStore) CacheInvalidateOwner(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE key LIKE ?`, OwnerKeyPrefix(owner)+"%")
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// CachePurgeExpired deletes entries whose expiry is older than cutoff.
// Returns the number of purged entries.
func (s *SQLiteStore) CachePurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE expires_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OwnerKeyPrefix is the cache-key prefix shared by all of an owner's
// entries. Cache keys are "<ownerHash>:<opHash>"; the prefix is what makes
// per-owner invalidation a single LIKE delete.
func OwnerKeyPrefix(owner string) string {
	sum := sha256.Sum256([]byte(owner))
	return hex.EncodeToString(sum[:8]) + ":"
}

// --- aggregate snapshots ---

// SaveSnapshot replaces the (owner, period) snapshot in one statement, so
// a half-computed snapshot is never visible.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregate_snapshot (owner, period, metrics, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, period) DO UPDATE SET
			metrics = excluded.metrics, computed_at = excluded.computed_at`,
		snap.Owner, snap.Period, string(snap.Metrics), snap.ComputedAt.UnixNano())
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// GetSnapshot returns the current snapshot for (owner, period), or nil.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, owner, period string) (*Snapshot, error) {
	var snap Snapshot
	var metrics string
	var computedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, period, metrics, computed_at FROM aggregate_snapshot
		WHERE owner = ? AND period = ?`, owner, period).
		Scan(&snap.Owner, &snap.Period, &metrics, &computedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	snap.Metrics = []byte(metrics)
	snap.ComputedAt = time.Unix(0, computedAt).UTC()
	return &snap, nil
}

// PurgeSnapshots deletes snapshots computed before cutoff.
func (s *SQLiteStore) PurgeSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM aggregate_snapshot WHERE computed_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCodeStoreQuery, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- vector encoding ---

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeVector unpacks little-endian bytes into a float32 slice.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
