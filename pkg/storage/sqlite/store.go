// Package sqlite stores experiments in a SQLite database. The schema is
// versioned with embedded migrations that run when the store is opened.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite database of experiments. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// The migrate instance is not closed, since that would close the database.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the schema version and whether a migration was left
// half-applied.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	logging.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (migrateLogger) Verbose() bool { return false }

// Entry describes a stored experiment.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Positions int       `json:"positions"`
	Links     int       `json:"links"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Save stores e, replacing any earlier version with the same ID.
func (s *Store) Save(ctx context.Context, e *experiment.Experiment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := e.ID.String()
	var volume sql.NullString
	if !e.Volume.IsZero() {
		raw, err := json.Marshal(e.Volume)
		if err != nil {
			return err
		}
		volume = sql.NullString{String: string(raw), Valid: true}
	}
	r := e.Resolution
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO experiments (id, name, x_um, y_um, z_um, t_m, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, x_um = excluded.x_um, y_um = excluded.y_um,
			z_um = excluded.z_um, t_m = excluded.t_m, volume = excluded.volume,
			updated_at = CURRENT_TIMESTAMP`,
		id, e.Name, r.PixelSizeX, r.PixelSizeY, r.PixelSizeZ, r.TimePointMinutes, volume,
	); err != nil {
		return fmt.Errorf("saving experiment %s: %w", id, err)
	}
	for _, table := range []string{"positions", "links", "lineages", "connections", "candidates"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE experiment_id = ?", id); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	w := writer{ctx: ctx, tx: tx, id: id}
	for _, p := range e.Positions.All() {
		w.exec(`INSERT INTO positions (experiment_id, t, x, y, z, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
			p.T, p.X, p.Y, p.Z, w.doc(e.Positions.Metadata(p)))
	}
	for _, l := range e.Tracks.AllLinks() {
		w.exec(`INSERT INTO links (experiment_id, t, source_x, source_y, source_z, target_x, target_y, target_z, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.Source.T, l.Source.X, l.Source.Y, l.Source.Z, l.Target.X, l.Target.Y, l.Target.Z,
			w.doc(e.Tracks.LinkMetadata(l.Source, l.Target)))
	}
	for _, t := range e.Tracks.TracksWithNoParent() {
		doc := e.Tracks.LineageMetadata(t)
		if len(doc) == 0 {
			continue
		}
		p := t.First()
		w.exec(`INSERT INTO lineages (experiment_id, t, x, y, z, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
			p.T, p.X, p.Y, p.Z, w.doc(doc))
	}
	for _, c := range e.Connections.All() {
		w.exec(`INSERT INTO connections (experiment_id, t, a_x, a_y, a_z, b_x, b_y, b_z) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.A.T, c.A.X, c.A.Y, c.A.Z, c.B.X, c.B.Y, c.B.Z)
	}
	for l, doc := range e.CandidateData {
		w.exec(`INSERT INTO candidates (experiment_id, t, source_x, source_y, source_z, target_x, target_y, target_z, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.Source.T, l.Source.X, l.Source.Y, l.Source.Z, l.Target.X, l.Target.Y, l.Target.Z, w.doc(doc))
	}
	if w.err != nil {
		return fmt.Errorf("saving experiment %s: %w", id, w.err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.DebugContext(ctx, "experiment saved", "id", id, "positions", e.Positions.Len(), "links", e.Tracks.LinkCount())
	return nil
}

// writer runs inserts until the first error.
type writer struct {
	ctx context.Context
	tx  *sql.Tx
	id  string
	err error
}

func (w *writer) exec(query string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = w.tx.ExecContext(w.ctx, query, append([]any{w.id}, args...)...)
}

func (w *writer) doc(d metadata.Document) sql.NullString {
	if len(d) == 0 || w.err != nil {
		return sql.NullString{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		w.err = err
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func parseDoc(s sql.NullString) (metadata.Document, error) {
	if !s.Valid {
		return nil, nil
	}
	var d metadata.Document
	if err := json.Unmarshal([]byte(s.String), &d); err != nil {
		return nil, fmt.Errorf("%w: stored metadata: %v", model.ErrInputQuality, err)
	}
	return d, nil
}

// Load reads the experiment with the given ID.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*experiment.Experiment, error) {
	var (
		name   string
		r      model.Resolution
		volume sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, x_um, y_um, z_um, t_m, volume FROM experiments WHERE id = ?`, id.String(),
	).Scan(&name, &r.PixelSizeX, &r.PixelSizeY, &r.PixelSizeZ, &r.TimePointMinutes, &volume)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	e, err := experiment.NewWithID(id, name, r)
	if err != nil {
		return nil, err
	}
	if volume.Valid {
		if err := json.Unmarshal([]byte(volume.String), &e.Volume); err != nil {
			return nil, fmt.Errorf("%w: stored volume: %v", model.ErrInputQuality, err)
		}
	}

	err = s.each(ctx, `SELECT t, x, y, z, metadata FROM positions WHERE experiment_id = ? ORDER BY t, x, y, z`, id,
		func(rows *sql.Rows) error {
			var p model.Position
			var md sql.NullString
			if err := rows.Scan(&p.T, &p.X, &p.Y, &p.Z, &md); err != nil {
				return err
			}
			doc, err := parseDoc(md)
			if err != nil {
				return err
			}
			return e.Positions.Add(p, doc)
		})
	if err != nil {
		return nil, err
	}

	err = s.each(ctx, `SELECT t, source_x, source_y, source_z, target_x, target_y, target_z, metadata
		FROM links WHERE experiment_id = ?`, id,
		func(rows *sql.Rows) error {
			l, doc, err := scanLink(rows)
			if err != nil {
				return err
			}
			if err := e.Tracks.AddLink(l.Source, l.Target); err != nil {
				return err
			}
			for _, key := range doc.Keys() {
				if err := e.Tracks.SetLinkMetadata(l.Source, l.Target, key, doc[key]); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = s.each(ctx, `SELECT t, x, y, z, metadata FROM lineages WHERE experiment_id = ?`, id,
		func(rows *sql.Rows) error {
			var p model.Position
			var md sql.NullString
			if err := rows.Scan(&p.T, &p.X, &p.Y, &p.Z, &md); err != nil {
				return err
			}
			doc, err := parseDoc(md)
			if err != nil {
				return err
			}
			track, ok := e.Tracks.TrackOf(p)
			if !ok {
				return fmt.Errorf("lineage at %s: %w", p, model.ErrUnknownPosition)
			}
			for _, key := range doc.Keys() {
				e.Tracks.SetLineageMetadata(track, key, doc[key])
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = s.each(ctx, `SELECT t, a_x, a_y, a_z, b_x, b_y, b_z FROM connections WHERE experiment_id = ?`, id,
		func(rows *sql.Rows) error {
			var a, b model.Position
			if err := rows.Scan(&a.T, &a.X, &a.Y, &a.Z, &b.X, &b.Y, &b.Z); err != nil {
				return err
			}
			b.T = a.T
			return e.Connections.Add(a, b)
		})
	if err != nil {
		return nil, err
	}

	err = s.each(ctx, `SELECT t, source_x, source_y, source_z, target_x, target_y, target_z, metadata
		FROM candidates WHERE experiment_id = ?`, id,
		func(rows *sql.Rows) error {
			l, doc, err := scanLink(rows)
			if err != nil {
				return err
			}
			e.CandidateData[l] = doc
			return nil
		})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanLink(rows *sql.Rows) (model.Link, metadata.Document, error) {
	var l model.Link
	var md sql.NullString
	if err := rows.Scan(&l.Source.T, &l.Source.X, &l.Source.Y, &l.Source.Z, &l.Target.X, &l.Target.Y, &l.Target.Z, &md); err != nil {
		return model.Link{}, nil, err
	}
	l.Target.T = l.Source.T + 1
	doc, err := parseDoc(md)
	return l, doc, err
}

func (s *Store) each(ctx context.Context, query string, id uuid.UUID, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, id.String())
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// List returns every stored experiment, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.updated_at,
			(SELECT COUNT(*) FROM positions p WHERE p.experiment_id = e.id),
			(SELECT COUNT(*) FROM links l WHERE l.experiment_id = e.id)
		FROM experiments e
		ORDER BY e.updated_at DESC, e.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var id string
		if err := rows.Scan(&id, &entry.Name, &entry.UpdatedAt, &entry.Positions, &entry.Links); err != nil {
			return nil, err
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: stored id %q: %v", model.ErrInputQuality, id, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Delete removes an experiment and all its data.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("experiment %s: %w", id, model.ErrNotFound)
	}
	logging.DebugContext(ctx, "experiment deleted", "id", id.String())
	return nil
}
