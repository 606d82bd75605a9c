package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockGraph(t *testing.T) (*GraphStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewGraphStore(sqlx.NewDb(db, "sqlite3"), zap.NewNop()), mock
}

var edgeColumns = []string{"source", "source_type", "relation", "target", "target_type"}

func TestGraphFetchNeighbourhoodAndTerms(t *testing.T) {
	g, mock := newMockGraph(t)

	mock.ExpectQuery("FROM graph_edges").
		WithArgs("%acme%", "%acme%", maxEdgesPerEntity).
		WillReturnRows(sqlmock.NewRows(edgeColumns).
			AddRow("Acme", "Company", "COMPETES_WITH", "Globex", "Company").
			AddRow("Acme", "Company", "PRODUCES", "Rockets", "Product"))
	mock.ExpectQuery("FROM graph_nodes").
		WithArgs("%acme%", maxTermMatches).
		WillReturnRows(sqlmock.NewRows([]string{"name", "label"}).AddRow("Acme", "Company"))
	mock.ExpectQuery("FROM graph_nodes").
		WithArgs("%rivals%", maxTermMatches).
		WillReturnRows(sqlmock.NewRows([]string{"name", "label"}))

	res, err := g.Fetch(context.Background(), Query{Text: "Acme rivals?", Entities: []string{"Acme"}, Depth: 1})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "Acme -[COMPETES_WITH]-> Globex", res.Records[0].Summary())
	assert.Equal(t, "Acme", res.Records[2].Entity)
	assert.InDelta(t, 0.3, res.Confidence, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphFetchFollowsSecondHop(t *testing.T) {
	g, mock := newMockGraph(t)

	mock.ExpectQuery("FROM graph_edges").
		WithArgs("%acme%", "%acme%", maxEdgesPerEntity).
		WillReturnRows(sqlmock.NewRows(edgeColumns).AddRow("Acme", "Company", "COMPETES_WITH", "Globex", "Company"))
	mock.ExpectQuery("FROM graph_edges").
		WithArgs("%globex%", "%globex%", maxEdgesPerEntity).
		WillReturnRows(sqlmock.NewRows(edgeColumns).AddRow("Globex", "Company", "LOCATED_IN", "Springfield", "City"))

	res, err := g.Fetch(context.Background(), Query{Entities: []string{"Acme"}, Depth: 2})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "Springfield", res.Records[1].Target)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphFetchError(t *testing.T) {
	g, mock := newMockGraph(t)
	mock.ExpectQuery("FROM graph_edges").WillReturnError(errors.New("database is locked"))

	_, err := g.Fetch(context.Background(), Query{Entities: []string{"Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestGraphEnsureSchema(t *testing.T) {
	g, mock := newMockGraph(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS graph_nodes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS graph_edges").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_graph_nodes_name").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, g.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchTerms(t *testing.T) {
	assert.Equal(t, []string{"cloud", "market", "share"}, searchTerms("Cloud market? share growth"))
	assert.Empty(t, searchTerms("is it ok"))
}
