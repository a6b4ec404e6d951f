package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/swarmauri/peagen/internal/models"
)

// LedgerTables are the insert-only tables.
var LedgerTables = []string{"task_revisions", "artefact_lineage", "fanout_sets", "fanout_members", "status_log"}

// MinRefPrefix is the shortest revision prefix ResolveRef accepts.
const MinRefPrefix = 6

// --- Insert helpers (the only ledger write path) ---

// InsertTaskRevision inserts a revision row. A rev_hash that already exists
// yields ErrDuplicateRevision.
func (t *Tx) InsertTaskRevision(ctx context.Context, rev *models.TaskRevision) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = t.s.now().UTC()
	}
	if rev.Status == "" {
		rev.Status = models.RevisionCommitted
	}
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO task_revisions (rev_hash, parent_hash, task_id, repo, tree_oid, worker_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rev.RevHash, nullString(rev.ParentHash), rev.TaskID, rev.Repo, rev.TreeOID, rev.WorkerID, rev.Status, toMicros(rev.CreatedAt),
	)
	if err != nil {
		if t.s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRevision, rev.RevHash)
		}
		return fmt.Errorf("insert task revision: %w", err)
	}
	return nil
}

// InsertArtefactLineage inserts one lineage row.
func (t *Tx) InsertArtefactLineage(ctx context.Context, l *models.ArtefactLineage) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = t.s.now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO artefact_lineage (artefact_oid, path, source_rev_hash, producing_worker, parent_artefact_oid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		l.ArtefactOID, l.Path, l.SourceRevHash, l.ProducingWorker, nullString(l.ParentArtefactOID), toMicros(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert artefact lineage: %w", err)
	}
	return nil
}

// CreateFanoutSet records a new expansion event with no members.
func (t *Tx) CreateFanoutSet(ctx context.Context, f *models.FanoutSet) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = t.s.now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO fanout_sets (fanout_id, parent_task_id, expansion_spec_hash, created_at) VALUES (?, ?, ?, ?)`),
		f.ID, f.ParentTaskID, f.ExpansionSpecHash, toMicros(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert fanout set: %w", err)
	}
	return nil
}

// AppendFanoutMember adds a committed revision to a fan-out set. Appending
// the same member twice is a no-op.
func (t *Tx) AppendFanoutMember(ctx context.Context, fanoutID, revHash string) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO fanout_members (fanout_id, rev_hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (fanout_id, rev_hash) DO NOTHING`),
		fanoutID, revHash, toMicros(t.s.now()),
	)
	if err != nil {
		return fmt.Errorf("append fanout member: %w", err)
	}
	return nil
}

// AppendStatusLog appends a timeline row. Timestamps are strictly
// increasing per task; e.Timestamp is updated to the stored value.
func (t *Tx) AppendStatusLog(ctx context.Context, e *models.StatusEntry) error {
	ts := toMicros(t.s.now())
	var last sql.NullInt64
	err := t.tx.QueryRowContext(ctx, t.s.rebind(
		`SELECT MAX(ts) FROM status_log WHERE task_id = ?`), e.TaskID,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("query last status: %w", err)
	}
	if last.Valid && ts <= last.Int64 {
		ts = last.Int64 + 1
	}

	_, err = t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO status_log (task_id, ts, state, detail) VALUES (?, ?, ?, ?)`),
		e.TaskID, ts, e.State, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("append status log: %w", err)
	}
	e.Timestamp = fromMicros(ts)
	return nil
}

// GetRevision reads a revision inside the transaction.
func (t *Tx) GetRevision(ctx context.Context, revHash string) (*models.TaskRevision, error) {
	return getRevision(ctx, t.tx, t.s.dialect, revHash)
}

// GetFanout reads a fan-out set inside the transaction.
func (t *Tx) GetFanout(ctx context.Context, fanoutID string) (*models.FanoutSet, error) {
	return getFanout(ctx, t.tx, t.s.dialect, fanoutID)
}

// --- Ledger reads ---

const revisionColumns = `rev_hash, parent_hash, task_id, repo, tree_oid, worker_id, status, created_at`

func scanRevision(row interface{ Scan(...any) error }) (*models.TaskRevision, error) {
	rev := &models.TaskRevision{}
	var parent sql.NullString
	var created int64
	if err := row.Scan(&rev.RevHash, &parent, &rev.TaskID, &rev.Repo, &rev.TreeOID, &rev.WorkerID, &rev.Status, &created); err != nil {
		return nil, err
	}
	rev.ParentHash = parent.String
	rev.CreatedAt = fromMicros(created)
	return rev, nil
}

func getRevision(ctx context.Context, q querier, d Dialect, revHash string) (*models.TaskRevision, error) {
	rev, err := scanRevision(q.QueryRowContext(ctx, d.Rebind(
		`SELECT `+revisionColumns+` FROM task_revisions WHERE rev_hash = ?`), revHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query revision: %w", err)
	}
	return rev, nil
}

// GetRevision returns a committed revision, or nil if absent.
func (s *Store) GetRevision(ctx context.Context, revHash string) (*models.TaskRevision, error) {
	rev, err := getRevision(ctx, s.db, s.dialect, revHash)
	return rev, s.classify(err)
}

// ResolveRef resolves HEAD (the latest revision of repo), a full rev hash,
// or a unique prefix of at least MinRefPrefix characters. It returns nil
// if nothing matches.
func (s *Store) ResolveRef(ctx context.Context, repo, ref string) (*models.TaskRevision, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == "HEAD" {
		rev, err := scanRevision(s.db.QueryRowContext(ctx, s.rebind(
			`SELECT `+revisionColumns+` FROM task_revisions WHERE repo = ? ORDER BY seq DESC LIMIT 1`), repo))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, s.classify(fmt.Errorf("resolve head: %w", err))
		}
		return rev, nil
	}
	if len(ref) < MinRefPrefix {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+revisionColumns+` FROM task_revisions WHERE repo = ? AND rev_hash LIKE ? ESCAPE '\' ORDER BY seq LIMIT 3`),
		repo, likePrefix(ref))
	if err != nil {
		return nil, s.classify(fmt.Errorf("resolve ref: %w", err))
	}
	defer rows.Close()

	var found []*models.TaskRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		// SQLite's LIKE ignores ASCII case.
		if strings.HasPrefix(rev.RevHash, ref) {
			found = append(found, rev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		if found[0].RevHash == ref {
			return found[0], nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousRef, ref)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix turns ref into a LIKE pattern matching only values that start
// with ref literally.
func likePrefix(ref string) string {
	return likeEscaper.Replace(ref) + "%"
}

// ListRevisions returns the newest revisions of repo first.
func (s *Store) ListRevisions(ctx context.Context, repo string, limit int) ([]models.TaskRevision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+revisionColumns+` FROM task_revisions WHERE repo = ? ORDER BY seq DESC LIMIT ?`), repo, limit)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query revisions: %w", err))
	}
	defer rows.Close()

	var revs []models.TaskRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revs = append(revs, *rev)
	}
	return revs, rows.Err()
}

// RevisionsForTask returns every revision committed for taskID, oldest first.
func (s *Store) RevisionsForTask(ctx context.Context, taskID string) ([]models.TaskRevision, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+revisionColumns+` FROM task_revisions WHERE task_id = ? ORDER BY seq`), taskID)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query task revisions: %w", err))
	}
	defer rows.Close()

	var revs []models.TaskRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revs = append(revs, *rev)
	}
	return revs, rows.Err()
}

// Lineage returns the artefacts recorded for a revision.
func (s *Store) Lineage(ctx context.Context, revHash string) ([]models.ArtefactLineage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT artefact_oid, path, source_rev_hash, producing_worker, parent_artefact_oid, created_at
		 FROM artefact_lineage WHERE source_rev_hash = ? ORDER BY path, artefact_oid`), revHash)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query lineage: %w", err))
	}
	defer rows.Close()

	var out []models.ArtefactLineage
	for rows.Next() {
		var l models.ArtefactLineage
		var parent sql.NullString
		var created int64
		if err := rows.Scan(&l.ArtefactOID, &l.Path, &l.SourceRevHash, &l.ProducingWorker, &parent, &created); err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		l.ParentArtefactOID = parent.String
		l.CreatedAt = fromMicros(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func getFanout(ctx context.Context, q querier, d Dialect, fanoutID string) (*models.FanoutSet, error) {
	f := &models.FanoutSet{}
	var created int64
	err := q.QueryRowContext(ctx, d.Rebind(
		`SELECT fanout_id, parent_task_id, expansion_spec_hash, created_at FROM fanout_sets WHERE fanout_id = ?`), fanoutID,
	).Scan(&f.ID, &f.ParentTaskID, &f.ExpansionSpecHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query fanout: %w", err)
	}
	f.CreatedAt = fromMicros(created)

	rows, err := q.QueryContext(ctx, d.Rebind(
		`SELECT rev_hash FROM fanout_members WHERE fanout_id = ? ORDER BY seq`), fanoutID)
	if err != nil {
		return nil, fmt.Errorf("query fanout members: %w", err)
	}
	defer rows.Close()
	f.MemberRevHashes = []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan fanout member: %w", err)
		}
		f.MemberRevHashes = append(f.MemberRevHashes, h)
	}
	return f, rows.Err()
}

// GetFanout returns a fan-out set with its members, or nil if absent.
func (s *Store) GetFanout(ctx context.Context, fanoutID string) (*models.FanoutSet, error) {
	f, err := getFanout(ctx, s.db, s.dialect, fanoutID)
	return f, s.classify(err)
}

// StatusLog returns the full timeline of a task, oldest first.
func (s *Store) StatusLog(ctx context.Context, taskID string) ([]models.StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT task_id, ts, state, detail FROM status_log WHERE task_id = ? ORDER BY seq`), taskID)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query status log: %w", err))
	}
	defer rows.Close()

	entries := []models.StatusEntry{}
	for rows.Next() {
		var e models.StatusEntry
		var ts int64
		if err := rows.Scan(&e.TaskID, &ts, &e.State, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		e.Timestamp = fromMicros(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountRows returns the row count of each ledger table.
func (s *Store) CountRows(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(LedgerTables))
	for _, table := range LedgerTables {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, s.classify(fmt.Errorf("count %s: %w", table, err))
		}
		counts[table] = n
	}
	return counts, nil
}
