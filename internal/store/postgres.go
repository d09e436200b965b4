package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/propscan/propscan-cli/internal/db"
	"github.com/propscan/propscan-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_property":       pgSelectProperty + ` WHERE uprn = $1`,
	"get_alias":          `SELECT fingerprint, uprn, match_type, confidence, updated_at FROM address_aliases WHERE fingerprint = $1`,
	"get_metrics":        pgSelectMetrics + ` WHERE uprn = $1`,
	"get_listing_by_ref": pgSelectListing + ` WHERE external_ref = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS properties (
	uprn               TEXT PRIMARY KEY,
	paon               TEXT NOT NULL DEFAULT '',
	saon               TEXT NOT NULL DEFAULT '',
	street             TEXT NOT NULL DEFAULT '',
	town               TEXT NOT NULL DEFAULT '',
	postcode           TEXT NOT NULL DEFAULT '',
	district           TEXT NOT NULL DEFAULT '',
	floor_area_sqft    DOUBLE PRECISION,
	property_type      TEXT NOT NULL DEFAULT '',
	epc_rating         TEXT NOT NULL DEFAULT '',
	current_listing_id TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS historical_transactions (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	uprn             TEXT NOT NULL REFERENCES properties(uprn),
	price_paid       DOUBLE PRECISION NOT NULL,
	date_of_transfer TIMESTAMPTZ NOT NULL,
	category         TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (uprn, date_of_transfer, price_paid, category)
);

CREATE TABLE IF NOT EXISTS active_listings (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	external_ref TEXT NOT NULL UNIQUE,
	uprn         TEXT,
	asking_price DOUBLE PRECISION NOT NULL,
	listing_date TIMESTAMPTZ NOT NULL,
	agent_name   TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	raw_payload  JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS address_aliases (
	fingerprint TEXT PRIMARY KEY,
	uprn        TEXT NOT NULL,
	match_type  TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS valuation_metrics (
	uprn              TEXT PRIMARY KEY REFERENCES properties(uprn),
	current_ppsf      DOUBLE PRECISION,
	market_ppsf       DOUBLE PRECISION,
	undervalued_index DOUBLE PRECISION,
	projected_yield   DOUBLE PRECISION,
	comparable_count  INTEGER NOT NULL DEFAULT 0,
	priority          TEXT,
	computed_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id            TEXT PRIMARY KEY,
	scope         JSONB NOT NULL DEFAULT '[]',
	force_refresh BOOLEAN NOT NULL DEFAULT false,
	state         TEXT NOT NULL,
	source_errors JSONB,
	counts        JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS source_pulls (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT NOT NULL,
	scope_key    TEXT NOT NULL,
	status       TEXT NOT NULL,
	rows_pulled  BIGINT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS property_changes (
	uprn       TEXT PRIMARY KEY,
	changed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_district ON properties(district);
CREATE INDEX IF NOT EXISTS idx_properties_postcode ON properties(postcode);
CREATE INDEX IF NOT EXISTS idx_transactions_uprn ON historical_transactions(uprn);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON historical_transactions(date_of_transfer);
CREATE INDEX IF NOT EXISTS idx_listings_uprn ON active_listings(uprn);
CREATE INDEX IF NOT EXISTS idx_aliases_uprn ON address_aliases(uprn);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON ingestion_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_pulls_source_scope ON source_pulls(source, scope_key);
CREATE INDEX IF NOT EXISTS idx_metrics_index ON valuation_metrics(undervalued_index DESC NULLS LAST);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Properties

func (s *PostgresStore) UpsertProperty(ctx context.Context, p *model.CanonicalProperty) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO properties
			(uprn, paon, saon, street, town, postcode, district, floor_area_sqft,
			 property_type, epc_rating, current_listing_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (uprn) DO UPDATE SET
			paon = EXCLUDED.paon,
			saon = EXCLUDED.saon,
			street = EXCLUDED.street,
			town = EXCLUDED.town,
			postcode = EXCLUDED.postcode,
			district = EXCLUDED.district,
			floor_area_sqft = COALESCE(EXCLUDED.floor_area_sqft, properties.floor_area_sqft),
			property_type = EXCLUDED.property_type,
			epc_rating = CASE WHEN EXCLUDED.epc_rating != '' THEN EXCLUDED.epc_rating ELSE properties.epc_rating END,
			updated_at = EXCLUDED.updated_at`,
		p.UPRN, p.Address.PAON, p.Address.SAON, p.Address.Street, p.Address.Town,
		p.Address.Postcode, p.Address.District(), p.FloorAreaSqft,
		string(p.PropertyType), p.EPCRating, p.CurrentListingID, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert property %s", p.UPRN)
}

func (s *PostgresStore) GetProperty(ctx context.Context, uprn string) (*model.CanonicalProperty, error) {
	row := s.pool.QueryRow(ctx, pgSelectProperty+` WHERE uprn = $1`, uprn)
	return scanPgProperty(row)
}

// Districts lists every postcode district with at least one property.
func (s *PostgresStore) Districts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT district FROM properties WHERE district != '' ORDER BY district`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list districts")
	}
	defer rows.Close()

	var districts []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan district")
		}
		districts = append(districts, d)
	}
	return districts, eris.Wrap(rows.Err(), "postgres: list districts iterate")
}

func (s *PostgresStore) PropertiesByDistrict(ctx context.Context, district string) ([]model.CanonicalProperty, error) {
	rows, err := s.pool.Query(ctx, pgSelectProperty+` WHERE district = $1 ORDER BY uprn`, district)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: properties by district %s", district)
	}
	defer rows.Close()

	var props []model.CanonicalProperty
	for rows.Next() {
		p, err := scanPgProperty(rows)
		if err != nil {
			return nil, err
		}
		props = append(props, *p)
	}
	return props, eris.Wrap(rows.Err(), "postgres: properties by district iterate")
}

func (s *PostgresStore) SetCurrentListing(ctx context.Context, uprn, listingID string) error {
	var id *string
	if listingID != "" {
		id = &listingID
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE properties SET current_listing_id = $1, updated_at = $2 WHERE uprn = $3`,
		id, time.Now().UTC(), uprn,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set current listing %s", uprn)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "property %s", uprn)
	}
	return nil
}

func (s *PostgresStore) UpdateFloorArea(ctx context.Context, uprn string, sqft float64, epcRating string) (bool, error) {
	var current *float64
	err := s.pool.QueryRow(ctx,
		`SELECT floor_area_sqft FROM properties WHERE uprn = $1`, uprn,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: read floor area %s", uprn)
	}

	changed := current == nil || !floatEqual(*current, sqft)

	_, err = s.pool.Exec(ctx,
		`UPDATE properties SET floor_area_sqft = $1, epc_rating = $2, updated_at = $3 WHERE uprn = $4`,
		sqft, epcRating, time.Now().UTC(), uprn,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update floor area %s", uprn)
	}
	return changed, nil
}

// Historical transactions

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *model.HistoricalTransaction) (bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO historical_transactions
			(id, uprn, price_paid, date_of_transfer, category, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (uprn, date_of_transfer, price_paid, category) DO NOTHING`,
		tx.ID, tx.UPRN, tx.PricePaid, tx.DateOfTransfer.UTC(), string(tx.Category), tx.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert transaction for %s", tx.UPRN)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertTransactions bulk-appends a batch via COPY into a temp table and
// INSERT ... ON CONFLICT DO NOTHING, returning the number of new rows.
func (s *PostgresStore) InsertTransactions(ctx context.Context, txs []model.HistoricalTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(txs))
	for i := range txs {
		t := &txs[i]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		rows = append(rows, []any{t.ID, t.UPRN, t.PricePaid, t.DateOfTransfer.UTC(), string(t.Category), t.CreatedAt})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "historical_transactions",
		Columns:      []string{"id", "uprn", "price_paid", "date_of_transfer", "category", "created_at"},
		ConflictKeys: []string{"uprn", "date_of_transfer", "price_paid", "category"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bulk insert transactions")
	}
	return int(n), nil
}

func (s *PostgresStore) TransactionsByUPRN(ctx context.Context, uprn string) ([]model.HistoricalTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, uprn, price_paid, date_of_transfer, category, created_at
		 FROM historical_transactions WHERE uprn = $1
		 ORDER BY date_of_transfer DESC`,
		uprn,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: transactions for %s", uprn)
	}
	defer rows.Close()

	var txs []model.HistoricalTransaction
	for rows.Next() {
		var t model.HistoricalTransaction
		var category string
		if err := rows.Scan(&t.ID, &t.UPRN, &t.PricePaid, &t.DateOfTransfer, &category, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		t.Category = model.TransactionCategory(category)
		txs = append(txs, t)
	}
	return txs, eris.Wrap(rows.Err(), "postgres: transactions iterate")
}

func (s *PostgresStore) ComparableRows(ctx context.Context, districts []string, propertyType model.PropertyType, since, until time.Time) ([]ComparableRow, error) {
	if len(districts) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.uprn, t.price_paid, t.date_of_transfer, t.category, t.created_at,
			p.floor_area_sqft, p.property_type, p.postcode
		 FROM historical_transactions t
		 JOIN properties p ON p.uprn = t.uprn
		 WHERE p.district = ANY($1)
		   AND p.property_type = $2
		   AND t.date_of_transfer >= $3 AND t.date_of_transfer <= $4
		 ORDER BY t.date_of_transfer DESC, t.price_paid DESC, t.id`,
		districts, string(propertyType), since.UTC(), until.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: comparable rows")
	}
	defer rows.Close()

	var out []ComparableRow
	for rows.Next() {
		var r ComparableRow
		var category, ptype string
		if err := rows.Scan(
			&r.Transaction.ID, &r.Transaction.UPRN, &r.Transaction.PricePaid,
			&r.Transaction.DateOfTransfer, &category, &r.Transaction.CreatedAt,
			&r.FloorAreaSqft, &ptype, &r.Postcode,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan comparable row")
		}
		r.Transaction.Category = model.TransactionCategory(category)
		r.PropertyType = model.PropertyType(ptype)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: comparable rows iterate")
}

// Listings

func (s *PostgresStore) UpsertListing(ctx context.Context, l *model.ActiveListing) (*ListingDelta, error) {
	now := time.Now().UTC()

	existing, err := s.GetListingByRef(ctx, l.ExternalRef)
	if err != nil && !eris.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		l.CreatedAt = now
		l.UpdatedAt = now
		_, err := s.pool.Exec(ctx,
			`INSERT INTO active_listings
				(id, external_ref, uprn, asking_price, listing_date, agent_name, source, raw_payload, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			l.ID, l.ExternalRef, l.UPRN, l.AskingPrice, l.ListingDate.UTC(),
			l.AgentName, l.Source, nullableJSON(l.RawPayload), l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert listing %s", l.ExternalRef)
		}
		return &ListingDelta{Listing: *l, Created: true}, nil
	}

	delta := &ListingDelta{PriceChanged: !floatEqual(existing.AskingPrice, l.AskingPrice)}

	uprn := existing.UPRN
	if uprn == nil {
		uprn = l.UPRN
		delta.Linked = uprn != nil
	} else if l.UPRN != nil && *l.UPRN != *uprn {
		delta.UPRNConflict = true
	}

	l.ID = existing.ID
	l.UPRN = uprn
	l.CreatedAt = existing.CreatedAt
	l.UpdatedAt = now

	_, err = s.pool.Exec(ctx,
		`UPDATE active_listings
		 SET uprn = $1, asking_price = $2, listing_date = $3, agent_name = $4, source = $5, raw_payload = $6, updated_at = $7
		 WHERE id = $8`,
		l.UPRN, l.AskingPrice, l.ListingDate.UTC(), l.AgentName, l.Source, nullableJSON(l.RawPayload), l.UpdatedAt, l.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update listing %s", l.ExternalRef)
	}
	delta.Listing = *l
	return delta, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.ActiveListing, error) {
	row := s.pool.QueryRow(ctx, pgSelectListing+` WHERE id = $1`, id)
	return scanPgListing(row)
}

func (s *PostgresStore) GetListingByRef(ctx context.Context, externalRef string) (*model.ActiveListing, error) {
	row := s.pool.QueryRow(ctx, pgSelectListing+` WHERE external_ref = $1`, externalRef)
	return scanPgListing(row)
}

// Alias table

func (s *PostgresStore) GetAlias(ctx context.Context, fingerprint string) (*Alias, error) {
	var a Alias
	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, uprn, match_type, confidence, updated_at
		 FROM address_aliases WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&a.Fingerprint, &a.UPRN, &a.MatchType, &a.Confidence, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get alias")
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAlias(ctx context.Context, a *Alias) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO address_aliases (fingerprint, uprn, match_type, confidence, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			uprn = EXCLUDED.uprn,
			match_type = EXCLUDED.match_type,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at
		 WHERE EXCLUDED.confidence >= address_aliases.confidence`,
		a.Fingerprint, a.UPRN, a.MatchType, a.Confidence, a.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: upsert alias")
}

func (s *PostgresStore) CandidatesByDistrict(ctx context.Context, district string) ([]model.CanonicalProperty, error) {
	return s.PropertiesByDistrict(ctx, district)
}

// Valuation metrics

func (s *PostgresStore) UpsertMetrics(ctx context.Context, m *model.ValuationMetrics) error {
	var priority *string
	if m.Priority != nil {
		p := string(*m.Priority)
		priority = &p
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO valuation_metrics
			(uprn, current_ppsf, market_ppsf, undervalued_index, projected_yield, comparable_count, priority, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (uprn) DO UPDATE SET
			current_ppsf = EXCLUDED.current_ppsf,
			market_ppsf = EXCLUDED.market_ppsf,
			undervalued_index = EXCLUDED.undervalued_index,
			projected_yield = EXCLUDED.projected_yield,
			comparable_count = EXCLUDED.comparable_count,
			priority = EXCLUDED.priority,
			computed_at = EXCLUDED.computed_at
		 WHERE EXCLUDED.computed_at >= valuation_metrics.computed_at`,
		m.UPRN, m.CurrentPPSF, m.MarketPPSF, m.UndervaluedIndex, m.ProjectedYield,
		m.ComparableCount, priority, m.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert metrics %s", m.UPRN)
}

func (s *PostgresStore) GetMetrics(ctx context.Context, uprn string) (*model.ValuationMetrics, error) {
	row := s.pool.QueryRow(ctx, pgSelectMetrics+` WHERE uprn = $1`, uprn)
	return scanPgMetrics(row)
}

func (s *PostgresStore) QueryOpportunities(ctx context.Context, f OpportunityFilter) (model.Page[Opportunity], error) {
	page, perPage := model.ClampPage(f.Page, f.PerPage)

	where := ` FROM properties p
		JOIN active_listings l ON l.id = p.current_listing_id
		LEFT JOIN valuation_metrics m ON m.uprn = p.uprn
		WHERE p.district = $1`
	args := []any{f.PostcodeDistrict}

	if f.MinDiscount != nil {
		args = append(args, *f.MinDiscount)
		where += fmt.Sprintf(` AND m.undervalued_index >= $%d`, len(args))
	}
	if f.MaxPrice != nil {
		args = append(args, *f.MaxPrice)
		where += fmt.Sprintf(` AND l.asking_price <= $%d`, len(args))
	}
	if len(f.PropertyTypes) > 0 {
		types := make([]string, len(f.PropertyTypes))
		for i, pt := range f.PropertyTypes {
			types[i] = string(pt)
		}
		args = append(args, types)
		where += fmt.Sprintf(` AND p.property_type = ANY($%d)`, len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return model.Page[Opportunity]{}, eris.Wrap(err, "postgres: count opportunities")
	}

	query := `SELECT ` + propertyColumns("p") + `, ` + listingColumns("l") + `,
		m.uprn, m.current_ppsf, m.market_ppsf, m.undervalued_index, m.projected_yield, m.comparable_count, m.priority, m.computed_at` +
		where + fmt.Sprintf(`
		ORDER BY m.undervalued_index DESC NULLS LAST, m.computed_at DESC, p.uprn ASC
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return model.Page[Opportunity]{}, eris.Wrap(err, "postgres: query opportunities")
	}
	defer rows.Close()

	var items []Opportunity
	for rows.Next() {
		o, err := scanPgOpportunity(rows)
		if err != nil {
			return model.Page[Opportunity]{}, err
		}
		items = append(items, *o)
	}
	if err := rows.Err(); err != nil {
		return model.Page[Opportunity]{}, eris.Wrap(err, "postgres: opportunities iterate")
	}
	return model.NewPage(items, total, page, perPage), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM properties),
			(SELECT COUNT(*) FROM active_listings),
			(SELECT COUNT(*) FROM historical_transactions),
			(SELECT COUNT(*) FROM valuation_metrics WHERE undervalued_index > $1)`,
		model.MediumPriorityThreshold,
	).Scan(&st.Properties, &st.Listings, &st.Transactions, &st.Opportunities)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	return &st, nil
}

// Ingestion jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.IngestionJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	scope, errs, counts, err := marshalJobFields(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingestion_jobs
			(id, scope, force_refresh, state, source_errors, counts, created_at, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, scope, job.ForceRefresh, string(job.State), nullString(errs), counts,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.IngestionJob) error {
	scope, errs, counts, err := marshalJobFields(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET scope = $1, force_refresh = $2, state = $3, source_errors = $4, counts = $5, started_at = $6, completed_at = $7
		 WHERE id = $8`,
		scope, job.ForceRefresh, string(job.State), nullString(errs), counts,
		job.StartedAt, job.CompletedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	row := s.pool.QueryRow(ctx, pgSelectJob+` WHERE id = $1`, id)
	return scanPgJob(row)
}

func (s *PostgresStore) LastJob(ctx context.Context) (*model.IngestionJob, error) {
	row := s.pool.QueryRow(ctx, pgSelectJob+` ORDER BY created_at DESC LIMIT 1`)
	return scanPgJob(row)
}

// Source pull log

func (s *PostgresStore) LastSuccessfulPull(ctx context.Context, source, scopeKey string) (*time.Time, error) {
	var completed time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT completed_at FROM source_pulls
		 WHERE source = $1 AND scope_key = $2 AND status = $3 AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 1`,
		source, scopeKey, PullSucceeded,
	).Scan(&completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last successful pull %s/%s", source, scopeKey)
	}
	return &completed, nil
}

func (s *PostgresStore) RecordPull(ctx context.Context, rec *PullRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_pulls (source, scope_key, status, rows_pulled, error, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Source, rec.ScopeKey, rec.Status, rec.RowsPulled, rec.Error,
		rec.StartedAt.UTC(), rec.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: record pull %s/%s", rec.Source, rec.ScopeKey)
}

func (s *PostgresStore) ListPulls(ctx context.Context) ([]PullRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source, scope_key, status, rows_pulled, error, started_at, completed_at
		 FROM source_pulls ORDER BY started_at DESC LIMIT 100`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pulls")
	}
	defer rows.Close()

	var recs []PullRecord
	for rows.Next() {
		var r PullRecord
		if err := rows.Scan(&r.Source, &r.ScopeKey, &r.Status, &r.RowsPulled, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pull")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list pulls iterate")
}

// Change tracking

func (s *PostgresStore) MarkChanged(ctx context.Context, uprn string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO property_changes (uprn, changed_at) VALUES ($1, $2)
		 ON CONFLICT (uprn) DO UPDATE SET changed_at = EXCLUDED.changed_at
		 WHERE EXCLUDED.changed_at > property_changes.changed_at`,
		uprn, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: mark changed %s", uprn)
}

func (s *PostgresStore) ChangedProperties(ctx context.Context, districts []string) ([]ChangedProperty, error) {
	query := `SELECT c.uprn, c.changed_at FROM property_changes c`
	var args []any
	if len(districts) > 0 {
		query += ` JOIN properties p ON p.uprn = c.uprn WHERE p.district = ANY($1)`
		args = append(args, districts)
	}
	query += ` ORDER BY c.changed_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: changed properties")
	}
	defer rows.Close()

	var out []ChangedProperty
	for rows.Next() {
		var c ChangedProperty
		if err := rows.Scan(&c.UPRN, &c.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan changed property")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: changed properties iterate")
}

func (s *PostgresStore) ClearChanged(ctx context.Context, uprn string, asOf time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM property_changes WHERE uprn = $1 AND changed_at <= $2`,
		uprn, asOf.UTC(),
	)
	return eris.Wrapf(err, "postgres: clear changed %s", uprn)
}

// helpers

const pgSelectProperty = `SELECT uprn, paon, saon, street, town, postcode, floor_area_sqft,
	property_type, epc_rating, current_listing_id, created_at, updated_at FROM properties`

const pgSelectListing = `SELECT id, external_ref, uprn, asking_price, listing_date, agent_name,
	source, raw_payload, created_at, updated_at FROM active_listings`

const pgSelectMetrics = `SELECT uprn, current_ppsf, market_ppsf, undervalued_index, projected_yield,
	comparable_count, priority, computed_at FROM valuation_metrics`

const pgSelectJob = `SELECT id, scope, force_refresh, state, source_errors, counts,
	created_at, started_at, completed_at FROM ingestion_jobs`

func scanPgProperty(row pgx.Row) (*model.CanonicalProperty, error) {
	var p model.CanonicalProperty
	var ptype string

	err := row.Scan(
		&p.UPRN, &p.Address.PAON, &p.Address.SAON, &p.Address.Street, &p.Address.Town,
		&p.Address.Postcode, &p.FloorAreaSqft, &ptype, &p.EPCRating, &p.CurrentListingID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan property")
	}
	p.PropertyType = model.PropertyType(ptype)
	return &p, nil
}

func scanPgListing(row pgx.Row) (*model.ActiveListing, error) {
	var l model.ActiveListing
	var payload []byte

	err := row.Scan(
		&l.ID, &l.ExternalRef, &l.UPRN, &l.AskingPrice, &l.ListingDate,
		&l.AgentName, &l.Source, &payload, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan listing")
	}
	if len(payload) > 0 {
		l.RawPayload = json.RawMessage(payload)
	}
	return &l, nil
}

func scanPgMetrics(row pgx.Row) (*model.ValuationMetrics, error) {
	var m model.ValuationMetrics
	var priority *string

	err := row.Scan(&m.UPRN, &m.CurrentPPSF, &m.MarketPPSF, &m.UndervaluedIndex,
		&m.ProjectedYield, &m.ComparableCount, &priority, &m.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan metrics")
	}
	if priority != nil {
		p := model.Priority(*priority)
		m.Priority = &p
	}
	return &m, nil
}

func scanPgOpportunity(rows pgx.Rows) (*Opportunity, error) {
	var o Opportunity
	var ptype string
	var payload []byte
	var mUPRN, mPriority *string
	var compCount *int
	var computedAt *time.Time

	err := rows.Scan(
		&o.Property.UPRN, &o.Property.Address.PAON, &o.Property.Address.SAON,
		&o.Property.Address.Street, &o.Property.Address.Town, &o.Property.Address.Postcode,
		&o.Property.FloorAreaSqft, &ptype, &o.Property.EPCRating, &o.Property.CurrentListingID,
		&o.Property.CreatedAt, &o.Property.UpdatedAt,
		&o.Listing.ID, &o.Listing.ExternalRef, &o.Listing.UPRN, &o.Listing.AskingPrice,
		&o.Listing.ListingDate, &o.Listing.AgentName, &o.Listing.Source, &payload,
		&o.Listing.CreatedAt, &o.Listing.UpdatedAt,
		&mUPRN, &o.Metrics.CurrentPPSF, &o.Metrics.MarketPPSF, &o.Metrics.UndervaluedIndex,
		&o.Metrics.ProjectedYield, &compCount, &mPriority, &computedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan opportunity")
	}

	o.Property.PropertyType = model.PropertyType(ptype)
	if len(payload) > 0 {
		o.Listing.RawPayload = json.RawMessage(payload)
	}
	o.Metrics.UPRN = o.Property.UPRN
	if compCount != nil {
		o.Metrics.ComparableCount = *compCount
	}
	if mPriority != nil {
		p := model.Priority(*mPriority)
		o.Metrics.Priority = &p
	}
	if computedAt != nil {
		o.Metrics.ComputedAt = *computedAt
	}
	return &o, nil
}

func scanPgJob(row pgx.Row) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var scope, counts []byte
	var errs []byte

	err := row.Scan(&j.ID, &scope, &j.ForceRefresh, &j.State, &errs, &counts,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	if err := json.Unmarshal(scope, &j.Scope); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job scope")
	}
	if err := json.Unmarshal(counts, &j.Counts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job counts")
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &j.SourceErrors); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job errors")
		}
	}
	return &j, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
