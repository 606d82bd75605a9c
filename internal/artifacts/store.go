package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-copilot/internal/metrics"
	"github.com/Kocoro-lab/research-copilot/internal/research"
)

// Schema creates the artifact table. Content is Markdown text.
const Schema = `
CREATE TABLE IF NOT EXISTS research_artifacts (
    ref          TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    format       TEXT NOT NULL,
    title        TEXT NOT NULL,
    filename     TEXT NOT NULL,
    content      TEXT NOT NULL,
    content_type TEXT NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    expires_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_artifacts_session ON research_artifacts (session_id);
CREATE INDEX IF NOT EXISTS idx_research_artifacts_expires ON research_artifacts (expires_at);
`

const (
	insertSQL = `
INSERT INTO research_artifacts (ref, session_id, format, title, filename, content, content_type, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSQL = `
SELECT ref, session_id, format, title, filename, content, content_type, created_at, expires_at
FROM research_artifacts WHERE ref = ?`

	deleteExpiredSQL = `DELETE FROM research_artifacts WHERE expires_at < ?`
	deleteSessionSQL = `DELETE FROM research_artifacts WHERE session_id = ?`
)

// Artifact is a stored, downloadable document.
type Artifact struct {
	Ref         string                `db:"ref"`
	SessionID   string                `db:"session_id"`
	Format      research.OutputFormat `db:"format"`
	Title       string                `db:"title"`
	Filename    string                `db:"filename"`
	Content     string                `db:"content"`
	ContentType string                `db:"content_type"`
	CreatedAt   time.Time             `db:"created_at"`
	ExpiresAt   time.Time             `db:"expires_at"`
}

// Store keeps rendered artifacts in SQL until they expire. It works against
// SQLite and PostgreSQL through sqlx bind rebinding.
type Store struct {
	db      *sqlx.DB
	ttl     time.Duration
	now     func() time.Time
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewStore wraps an open database handle. Artifacts live for ttl.
func NewStore(db *sqlx.DB, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		db:      db,
		ttl:     ttl,
		now:     time.Now,
		breaker: circuitbreaker.New("artifacts-db", circuitbreaker.DatabaseSettings(), logger),
		logger:  logger,
	}
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create artifact schema: %w", err)
	}
	return nil
}

// Save renders doc and stores it, returning the download reference. It is
// what the Generator calls for file output formats.
func (s *Store) Save(ctx context.Context, sessionID string, format research.OutputFormat, doc research.Document) (string, error) {
	content, err := Render(format, doc)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	a := Artifact{
		Ref:         uuid.NewString(),
		SessionID:   sessionID,
		Format:      format,
		Title:       doc.Title,
		Filename:    Filename(doc.Title, format),
		Content:     string(content),
		ContentType: ContentTypeMarkdown,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.Put(ctx, a); err != nil {
		return "", err
	}
	return a.Ref, nil
}

// Put stores a rendered artifact.
func (s *Store) Put(ctx context.Context, a Artifact) error {
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(insertSQL),
			a.Ref, a.SessionID, string(a.Format), a.Title, a.Filename, a.Content, a.ContentType, a.CreatedAt, a.ExpiresAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	metrics.ArtifactsStored.WithLabelValues(string(a.Format)).Inc()
	s.logger.Info("Artifact stored",
		zap.String("session_id", a.SessionID),
		zap.String("ref", a.Ref),
		zap.String("format", string(a.Format)),
		zap.Int("bytes", len(a.Content)),
	)
	return nil
}

// Get returns an artifact that has not expired. Unknown references fail with
// research.ErrArtifactNotFound and expired ones with research.ErrArtifactExpired.
func (s *Store) Get(ctx context.Context, ref string) (Artifact, error) {
	var a Artifact
	var missing bool
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &a, s.db.Rebind(selectSQL), ref)
		if errors.Is(err, sql.ErrNoRows) {
			// A miss is a healthy database.
			missing = true
			return nil
		}
		return err
	})
	switch {
	case missing:
		metrics.ArtifactFetches.WithLabelValues("missing").Inc()
		return Artifact{}, research.ErrArtifactNotFound
	case err != nil:
		metrics.ArtifactFetches.WithLabelValues("error").Inc()
		return Artifact{}, fmt.Errorf("load artifact: %w", err)
	}
	if s.now().After(a.ExpiresAt) {
		metrics.ArtifactFetches.WithLabelValues("expired").Inc()
		return Artifact{}, research.ErrArtifactExpired
	}
	metrics.ArtifactFetches.WithLabelValues("hit").Inc()
	return a, nil
}

// DeleteExpired removes every artifact past its expiry.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(deleteExpiredSQL), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired artifacts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("Expired artifacts removed", zap.Int64("count", n))
	}
	return n, nil
}

// DeleteSession removes the artifacts of one session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(deleteSessionSQL), sessionID); err != nil {
		return fmt.Errorf("delete session artifacts: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
