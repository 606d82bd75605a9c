package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	maxGraphEntities   = 5
	maxEdgesPerEntity  = 20
	maxTermMatches     = 30
	maxGraphRecords    = 30
	graphSearchTerms   = 3
	minSearchTermLen   = 4
	graphConfidenceDiv = 10.0
)

// GraphSchema creates the node/edge tables the graph source reads. Population
// of the graph happens elsewhere.
const GraphSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    id    TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    name  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS graph_edges (
    source_id TEXT NOT NULL,
    relation  TEXT NOT NULL,
    target_id TEXT NOT NULL,
    PRIMARY KEY (source_id, relation, target_id)
);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_name ON graph_nodes (name);
`

type edgeRow struct {
	Source     string `db:"source"`
	SourceType string `db:"source_type"`
	Relation   string `db:"relation"`
	Target     string `db:"target"`
	TargetType string `db:"target_type"`
}

type nodeRow struct {
	Name  string `db:"name"`
	Label string `db:"label"`
}

const neighbourhoodSQL = `
SELECT n.name AS source, n.label AS source_type, e.relation AS relation,
       m.name AS target, m.label AS target_type
FROM graph_edges e
JOIN graph_nodes n ON n.id = e.source_id
JOIN graph_nodes m ON m.id = e.target_id
WHERE LOWER(n.name) LIKE ? OR LOWER(m.name) LIKE ?
LIMIT ?`

const termSQL = `
SELECT name, label FROM graph_nodes
WHERE LOWER(name) LIKE ?
LIMIT ?`

// GraphStore is a knowledge-graph source backed by a relational node/edge
// schema. Works against SQLite and PostgreSQL through sqlx bind rebinding.
type GraphStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewGraphStore wraps an open database handle.
func NewGraphStore(db *sqlx.DB, logger *zap.Logger) *GraphStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphStore{db: db, logger: logger}
}

// EnsureSchema creates the graph tables when missing.
func (g *GraphStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(GraphSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("graph schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (g *GraphStore) Ping(ctx context.Context) error { return g.db.PingContext(ctx) }

func (g *GraphStore) Name() string { return SourceGraph }

// Fetch returns the neighbourhood of the requested entities plus nodes
// matching the leading query terms. Depth > 1 expands from the targets of
// the previous hop.
func (g *GraphStore) Fetch(ctx context.Context, q Query) (Result, error) {
	var records []Record
	seen := make(map[string]struct{})
	add := func(r Record) {
		k := r.Key()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		records = append(records, r)
	}

	frontier := limitStrings(q.Entities, maxGraphEntities)
	depth := q.Depth
	if depth < 1 {
		depth = 1
	}
	visited := make(map[string]struct{})
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, entity := range frontier {
			key := strings.ToLower(entity)
			if _, ok := visited[key]; ok {
				continue
			}
			visited[key] = struct{}{}
			rows, err := g.neighbourhood(ctx, entity)
			if err != nil {
				return Result{}, err
			}
			for _, row := range rows {
				add(Record{
					Source:   SourceGraph,
					Entity:   row.Source,
					Relation: row.Relation,
					Target:   row.Target,
					Fields:   map[string]any{"source_type": row.SourceType, "target_type": row.TargetType},
				})
				next = append(next, row.Target)
			}
		}
		frontier = limitStrings(next, maxGraphEntities)
	}

	for _, term := range searchTerms(q.Text) {
		var rows []nodeRow
		query := g.db.Rebind(termSQL)
		if err := g.db.SelectContext(ctx, &rows, query, "%"+term+"%", maxTermMatches); err != nil {
			return Result{}, fmt.Errorf("term search %q: %w", term, err)
		}
		for _, row := range rows {
			add(Record{Source: SourceGraph, Entity: row.Name, Fields: map[string]any{"label": row.Label}})
		}
	}

	if len(records) > maxGraphRecords {
		records = records[:maxGraphRecords]
	}
	g.logger.Debug("Graph query finished",
		zap.Strings("entities", q.Entities),
		zap.Int("depth", depth),
		zap.Int("records", len(records)),
	)
	return Result{
		Records:    records,
		Confidence: math.Min(1, float64(len(records))/graphConfidenceDiv),
	}, nil
}

func (g *GraphStore) neighbourhood(ctx context.Context, entity string) ([]edgeRow, error) {
	var rows []edgeRow
	pattern := "%" + strings.ToLower(entity) + "%"
	query := g.db.Rebind(neighbourhoodSQL)
	if err := g.db.SelectContext(ctx, &rows, query, pattern, pattern, maxEdgesPerEntity); err != nil {
		return nil, fmt.Errorf("neighbourhood %q: %w", entity, err)
	}
	return rows, nil
}

func searchTerms(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) > graphSearchTerms {
		fields = fields[:graphSearchTerms]
	}
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) >= minSearchTermLen {
			out = append(out, f)
		}
	}
	return out
}

func limitStrings(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}
