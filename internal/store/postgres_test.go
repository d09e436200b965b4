package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propscan/propscan-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgres_GetProperty_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT uprn, paon, saon, street, town, postcode, floor_area_sqft`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProperty(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetProperty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	area := 950.0

	mock.ExpectQuery(`SELECT uprn, paon, saon, street, town, postcode, floor_area_sqft`).
		WithArgs("100023336956").
		WillReturnRows(pgxmock.NewRows([]string{
			"uprn", "paon", "saon", "street", "town", "postcode", "floor_area_sqft",
			"property_type", "epc_rating", "current_listing_id", "created_at", "updated_at",
		}).AddRow("100023336956", "42", "", "HIGH STREET", "PUTNEY", "SW15 6EJ", &area,
			"Terraced", "C", (*string)(nil), now, now))

	p, err := s.GetProperty(context.Background(), "100023336956")
	require.NoError(t, err)
	assert.Equal(t, model.TypeTerraced, p.PropertyType)
	require.NotNil(t, p.FloorAreaSqft)
	assert.InDelta(t, 950, *p.FloorAreaSqft, 0.001)
	assert.Nil(t, p.CurrentListingID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertMetrics_GuardsOnComputedAt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// The stale row hits the WHERE guard and affects zero rows; not an error.
	mock.ExpectExec(`INSERT INTO valuation_metrics`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.UpsertMetrics(context.Background(), &model.ValuationMetrics{
		UPRN:       "1",
		ComputedAt: time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertTransaction_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO historical_transactions`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.InsertTransaction(context.Background(), &model.HistoricalTransaction{
		UPRN:           "1",
		PricePaid:      450000,
		DateOfTransfer: time.Now().UTC(),
		Category:       model.CategoryStandard,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetCurrentListing_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE properties SET current_listing_id`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetCurrentListing(context.Background(), "ghost", "listing-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LastSuccessfulPull_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT completed_at FROM source_pulls`).
		WithArgs("land_registry", "SW15").
		WillReturnError(pgx.ErrNoRows)

	last, err := s.LastSuccessfulPull(context.Background(), "land_registry", "SW15")
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertTransactions_BulkUpsertFlow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_historical_transactions"},
		[]string{"id", "uprn", "price_paid", "date_of_transfer", "category", "created_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "historical_transactions"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	added, err := s.InsertTransactions(context.Background(), []model.HistoricalTransaction{
		{UPRN: "1", PricePaid: 400000, DateOfTransfer: time.Now().UTC(), Category: model.CategoryStandard},
		{UPRN: "1", PricePaid: 410000, DateOfTransfer: time.Now().UTC(), Category: model.CategoryStandard},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, scope, force_refresh, state`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
