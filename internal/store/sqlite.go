package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/propscan/propscan-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS properties (
	uprn               TEXT PRIMARY KEY,
	paon               TEXT NOT NULL DEFAULT '',
	saon               TEXT NOT NULL DEFAULT '',
	street             TEXT NOT NULL DEFAULT '',
	town               TEXT NOT NULL DEFAULT '',
	postcode           TEXT NOT NULL DEFAULT '',
	district           TEXT NOT NULL DEFAULT '',
	floor_area_sqft    REAL,
	property_type      TEXT NOT NULL DEFAULT '',
	epc_rating         TEXT NOT NULL DEFAULT '',
	current_listing_id TEXT,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS historical_transactions (
	id               TEXT PRIMARY KEY,
	uprn             TEXT NOT NULL REFERENCES properties(uprn),
	price_paid       REAL NOT NULL,
	date_of_transfer DATETIME NOT NULL,
	category         TEXT NOT NULL,
	created_at       DATETIME NOT NULL,
	UNIQUE (uprn, date_of_transfer, price_paid, category)
);

CREATE TABLE IF NOT EXISTS active_listings (
	id           TEXT PRIMARY KEY,
	external_ref TEXT NOT NULL UNIQUE,
	uprn         TEXT,
	asking_price REAL NOT NULL,
	listing_date DATETIME NOT NULL,
	agent_name   TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	raw_payload  TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS address_aliases (
	fingerprint TEXT PRIMARY KEY,
	uprn        TEXT NOT NULL,
	match_type  TEXT NOT NULL,
	confidence  REAL NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS valuation_metrics (
	uprn              TEXT PRIMARY KEY REFERENCES properties(uprn),
	current_ppsf      REAL,
	market_ppsf       REAL,
	undervalued_index REAL,
	projected_yield   REAL,
	comparable_count  INTEGER NOT NULL DEFAULT 0,
	priority          TEXT,
	computed_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id            TEXT PRIMARY KEY,
	scope         TEXT NOT NULL DEFAULT '[]',
	force_refresh INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL,
	source_errors TEXT,
	counts        TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME
);

CREATE TABLE IF NOT EXISTS source_pulls (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	scope_key    TEXT NOT NULL,
	status       TEXT NOT NULL,
	rows_pulled  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS property_changes (
	uprn       TEXT PRIMARY KEY,
	changed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_district ON properties(district);
CREATE INDEX IF NOT EXISTS idx_properties_postcode ON properties(postcode);
CREATE INDEX IF NOT EXISTS idx_transactions_uprn ON historical_transactions(uprn);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON historical_transactions(date_of_transfer);
CREATE INDEX IF NOT EXISTS idx_listings_uprn ON active_listings(uprn);
CREATE INDEX IF NOT EXISTS idx_aliases_uprn ON address_aliases(uprn);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON ingestion_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_pulls_source_scope ON source_pulls(source, scope_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Properties

func (s *SQLiteStore) UpsertProperty(ctx context.Context, p *model.CanonicalProperty) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties
			(uprn, paon, saon, street, town, postcode, district, floor_area_sqft,
			 property_type, epc_rating, current_listing_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (uprn) DO UPDATE SET
			paon = excluded.paon,
			saon = excluded.saon,
			street = excluded.street,
			town = excluded.town,
			postcode = excluded.postcode,
			district = excluded.district,
			floor_area_sqft = COALESCE(excluded.floor_area_sqft, properties.floor_area_sqft),
			property_type = excluded.property_type,
			epc_rating = CASE WHEN excluded.epc_rating != '' THEN excluded.epc_rating ELSE properties.epc_rating END,
			updated_at = excluded.updated_at`,
		p.UPRN, p.Address.PAON, p.Address.SAON, p.Address.Street, p.Address.Town,
		p.Address.Postcode, p.Address.District(), p.FloorAreaSqft,
		string(p.PropertyType), p.EPCRating, p.CurrentListingID, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert property %s", p.UPRN)
}

func (s *SQLiteStore) GetProperty(ctx context.Context, uprn string) (*model.CanonicalProperty, error) {
	row := s.db.QueryRowContext(ctx, selectProperty+` WHERE uprn = ?`, uprn)
	return scanProperty(row)
}

// Districts lists every postcode district with at least one property.
func (s *SQLiteStore) Districts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT district FROM properties WHERE district != '' ORDER BY district`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list districts")
	}
	defer rows.Close()

	var districts []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan district")
		}
		districts = append(districts, d)
	}
	return districts, eris.Wrap(rows.Err(), "sqlite: list districts iterate")
}

func (s *SQLiteStore) PropertiesByDistrict(ctx context.Context, district string) ([]model.CanonicalProperty, error) {
	rows, err := s.db.QueryContext(ctx, selectProperty+` WHERE district = ? ORDER BY uprn`, district)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: properties by district %s", district)
	}
	defer rows.Close()

	var props []model.CanonicalProperty
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		props = append(props, *p)
	}
	return props, eris.Wrap(rows.Err(), "sqlite: properties by district iterate")
}

func (s *SQLiteStore) SetCurrentListing(ctx context.Context, uprn, listingID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE properties SET current_listing_id = ?, updated_at = ? WHERE uprn = ?`,
		nullString(listingID), time.Now().UTC(), uprn,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set current listing %s", uprn)
	}
	return checkRowsAffected(res, "property", uprn)
}

// UpdateFloorArea sets the floor area and EPC rating, reporting whether the
// stored area actually changed.
func (s *SQLiteStore) UpdateFloorArea(ctx context.Context, uprn string, sqft float64, epcRating string) (bool, error) {
	var current sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT floor_area_sqft FROM properties WHERE uprn = ?`, uprn,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: read floor area %s", uprn)
	}

	changed := !current.Valid || !floatEqual(current.Float64, sqft)

	_, err = s.db.ExecContext(ctx,
		`UPDATE properties SET floor_area_sqft = ?, epc_rating = ?, updated_at = ? WHERE uprn = ?`,
		sqft, epcRating, time.Now().UTC(), uprn,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update floor area %s", uprn)
	}
	return changed, nil
}

// Historical transactions

// InsertTransaction appends a sale record, reporting whether a new row was
// written. A duplicate of an existing (uprn, date, price, category) tuple
// is silently skipped.
func (s *SQLiteStore) InsertTransaction(ctx context.Context, tx *model.HistoricalTransaction) (bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO historical_transactions
			(id, uprn, price_paid, date_of_transfer, category, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UPRN, tx.PricePaid, tx.DateOfTransfer.UTC(), string(tx.Category), tx.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert transaction for %s", tx.UPRN)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// InsertTransactions appends a batch, returning the number of new rows.
func (s *SQLiteStore) InsertTransactions(ctx context.Context, txs []model.HistoricalTransaction) (int, error) {
	var added int
	for i := range txs {
		inserted, err := s.InsertTransaction(ctx, &txs[i])
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

func (s *SQLiteStore) TransactionsByUPRN(ctx context.Context, uprn string) ([]model.HistoricalTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uprn, price_paid, date_of_transfer, category, created_at
		 FROM historical_transactions WHERE uprn = ?
		 ORDER BY date_of_transfer DESC`,
		uprn,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transactions for %s", uprn)
	}
	defer rows.Close()

	var txs []model.HistoricalTransaction
	for rows.Next() {
		var t model.HistoricalTransaction
		var category string
		if err := rows.Scan(&t.ID, &t.UPRN, &t.PricePaid, &t.DateOfTransfer, &category, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		t.Category = model.TransactionCategory(category)
		txs = append(txs, t)
	}
	return txs, eris.Wrap(rows.Err(), "sqlite: transactions iterate")
}

func (s *SQLiteStore) ComparableRows(ctx context.Context, districts []string, propertyType model.PropertyType, since, until time.Time) ([]ComparableRow, error) {
	if len(districts) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT t.id, t.uprn, t.price_paid, t.date_of_transfer, t.category, t.created_at,
			p.floor_area_sqft, p.property_type, p.postcode
		 FROM historical_transactions t
		 JOIN properties p ON p.uprn = t.uprn
		 WHERE p.district IN (%s)
		   AND p.property_type = ?
		   AND t.date_of_transfer >= ? AND t.date_of_transfer <= ?
		 ORDER BY t.date_of_transfer DESC, t.price_paid DESC, t.id`,
		placeholders(len(districts)),
	)

	args := make([]any, 0, len(districts)+3)
	for _, d := range districts {
		args = append(args, d)
	}
	args = append(args, string(propertyType), since.UTC(), until.UTC())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: comparable rows")
	}
	defer rows.Close()

	var out []ComparableRow
	for rows.Next() {
		var r ComparableRow
		var category, ptype string
		var area sql.NullFloat64
		if err := rows.Scan(
			&r.Transaction.ID, &r.Transaction.UPRN, &r.Transaction.PricePaid,
			&r.Transaction.DateOfTransfer, &category, &r.Transaction.CreatedAt,
			&area, &ptype, &r.Postcode,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan comparable row")
		}
		r.Transaction.Category = model.TransactionCategory(category)
		r.PropertyType = model.PropertyType(ptype)
		if area.Valid {
			r.FloorAreaSqft = &area.Float64
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: comparable rows iterate")
}

// Listings

// UpsertListing inserts or updates a listing keyed by external reference and
// reports what changed. A conflicting UPRN on an already linked listing is
// rejected: the original link is kept and the delta flags the conflict.
func (s *SQLiteStore) UpsertListing(ctx context.Context, l *model.ActiveListing) (*ListingDelta, error) {
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
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO active_listings
				(id, external_ref, uprn, asking_price, listing_date, agent_name, source, raw_payload, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.ExternalRef, l.UPRN, l.AskingPrice, l.ListingDate.UTC(),
			l.AgentName, l.Source, rawJSON(l.RawPayload), l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert listing %s", l.ExternalRef)
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

	_, err = s.db.ExecContext(ctx,
		`UPDATE active_listings
		 SET uprn = ?, asking_price = ?, listing_date = ?, agent_name = ?, source = ?, raw_payload = ?, updated_at = ?
		 WHERE id = ?`,
		l.UPRN, l.AskingPrice, l.ListingDate.UTC(), l.AgentName, l.Source, rawJSON(l.RawPayload), l.UpdatedAt, l.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update listing %s", l.ExternalRef)
	}
	delta.Listing = *l
	return delta, nil
}

func (s *SQLiteStore) GetListing(ctx context.Context, id string) (*model.ActiveListing, error) {
	row := s.db.QueryRowContext(ctx, selectListing+` WHERE id = ?`, id)
	return scanListing(row)
}

func (s *SQLiteStore) GetListingByRef(ctx context.Context, externalRef string) (*model.ActiveListing, error) {
	row := s.db.QueryRowContext(ctx, selectListing+` WHERE external_ref = ?`, externalRef)
	return scanListing(row)
}

// Alias table

func (s *SQLiteStore) GetAlias(ctx context.Context, fingerprint string) (*Alias, error) {
	var a Alias
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, uprn, match_type, confidence, updated_at
		 FROM address_aliases WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&a.Fingerprint, &a.UPRN, &a.MatchType, &a.Confidence, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get alias")
	}
	return &a, nil
}

// UpsertAlias writes a fingerprint mapping. An existing higher-confidence
// mapping is never overwritten by a lower-confidence one.
func (s *SQLiteStore) UpsertAlias(ctx context.Context, a *Alias) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO address_aliases (fingerprint, uprn, match_type, confidence, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			uprn = excluded.uprn,
			match_type = excluded.match_type,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
		 WHERE excluded.confidence >= address_aliases.confidence`,
		a.Fingerprint, a.UPRN, a.MatchType, a.Confidence, a.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert alias")
}

func (s *SQLiteStore) CandidatesByDistrict(ctx context.Context, district string) ([]model.CanonicalProperty, error) {
	return s.PropertiesByDistrict(ctx, district)
}

// Valuation metrics

// UpsertMetrics writes the metrics row for a UPRN. Last write wins on
// computed_at: a stale row never overwrites a fresher one.
func (s *SQLiteStore) UpsertMetrics(ctx context.Context, m *model.ValuationMetrics) error {
	var priority *string
	if m.Priority != nil {
		p := string(*m.Priority)
		priority = &p
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO valuation_metrics
			(uprn, current_ppsf, market_ppsf, undervalued_index, projected_yield, comparable_count, priority, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (uprn) DO UPDATE SET
			current_ppsf = excluded.current_ppsf,
			market_ppsf = excluded.market_ppsf,
			undervalued_index = excluded.undervalued_index,
			projected_yield = excluded.projected_yield,
			comparable_count = excluded.comparable_count,
			priority = excluded.priority,
			computed_at = excluded.computed_at
		 WHERE excluded.computed_at >= valuation_metrics.computed_at`,
		m.UPRN, m.CurrentPPSF, m.MarketPPSF, m.UndervaluedIndex, m.ProjectedYield,
		m.ComparableCount, priority, m.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert metrics %s", m.UPRN)
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, uprn string) (*model.ValuationMetrics, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uprn, current_ppsf, market_ppsf, undervalued_index, projected_yield, comparable_count, priority, computed_at
		 FROM valuation_metrics WHERE uprn = ?`,
		uprn,
	)
	return scanMetrics(row)
}

func (s *SQLiteStore) QueryOpportunities(ctx context.Context, f OpportunityFilter) (model.Page[Opportunity], error) {
	page, perPage := model.ClampPage(f.Page, f.PerPage)

	where := ` FROM properties p
		JOIN active_listings l ON l.id = p.current_listing_id
		LEFT JOIN valuation_metrics m ON m.uprn = p.uprn
		WHERE p.district = ?`
	args := []any{f.PostcodeDistrict}

	if f.MinDiscount != nil {
		where += ` AND m.undervalued_index >= ?`
		args = append(args, *f.MinDiscount)
	}
	if f.MaxPrice != nil {
		where += ` AND l.asking_price <= ?`
		args = append(args, *f.MaxPrice)
	}
	if len(f.PropertyTypes) > 0 {
		where += fmt.Sprintf(` AND p.property_type IN (%s)`, placeholders(len(f.PropertyTypes)))
		for _, pt := range f.PropertyTypes {
			args = append(args, string(pt))
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return model.Page[Opportunity]{}, eris.Wrap(err, "sqlite: count opportunities")
	}

	query := `SELECT ` + propertyColumns("p") + `, ` + listingColumns("l") + `,
		m.uprn, m.current_ppsf, m.market_ppsf, m.undervalued_index, m.projected_yield, m.comparable_count, m.priority, m.computed_at` +
		where + `
		ORDER BY (m.undervalued_index IS NULL), m.undervalued_index DESC, m.computed_at DESC, p.uprn ASC
		LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.Page[Opportunity]{}, eris.Wrap(err, "sqlite: query opportunities")
	}
	defer rows.Close()

	var items []Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return model.Page[Opportunity]{}, err
		}
		items = append(items, *o)
	}
	if err := rows.Err(); err != nil {
		return model.Page[Opportunity]{}, eris.Wrap(err, "sqlite: opportunities iterate")
	}
	return model.NewPage(items, total, page, perPage), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM properties),
			(SELECT COUNT(*) FROM active_listings),
			(SELECT COUNT(*) FROM historical_transactions),
			(SELECT COUNT(*) FROM valuation_metrics WHERE undervalued_index > ?)`,
		model.MediumPriorityThreshold,
	).Scan(&st.Properties, &st.Listings, &st.Transactions, &st.Opportunities)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}
	return &st, nil
}

// Ingestion jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.IngestionJob) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs
			(id, scope, force_refresh, state, source_errors, counts, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, scope, job.ForceRefresh, string(job.State), errs, counts,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.IngestionJob) error {
	scope, errs, counts, err := marshalJobFields(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs
		 SET scope = ?, force_refresh = ?, state = ?, source_errors = ?, counts = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		scope, job.ForceRefresh, string(job.State), errs, counts,
		job.StartedAt, job.CompletedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) LastJob(ctx context.Context) (*model.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` ORDER BY created_at DESC LIMIT 1`)
	return scanJob(row)
}

// Source pull log

func (s *SQLiteStore) LastSuccessfulPull(ctx context.Context, source, scopeKey string) (*time.Time, error) {
	var completed time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT completed_at FROM source_pulls
		 WHERE source = ? AND scope_key = ? AND status = ? AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 1`,
		source, scopeKey, PullSucceeded,
	).Scan(&completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last successful pull %s/%s", source, scopeKey)
	}
	return &completed, nil
}

func (s *SQLiteStore) RecordPull(ctx context.Context, rec *PullRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_pulls (source, scope_key, status, rows_pulled, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Source, rec.ScopeKey, rec.Status, rec.RowsPulled, rec.Error,
		rec.StartedAt.UTC(), rec.CompletedAt,
	)
	return eris.Wrapf(err, "sqlite: record pull %s/%s", rec.Source, rec.ScopeKey)
}

func (s *SQLiteStore) ListPulls(ctx context.Context) ([]PullRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, scope_key, status, rows_pulled, error, started_at, completed_at
		 FROM source_pulls ORDER BY started_at DESC LIMIT 100`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pulls")
	}
	defer rows.Close()

	var recs []PullRecord
	for rows.Next() {
		var r PullRecord
		var completed sql.NullTime
		if err := rows.Scan(&r.Source, &r.ScopeKey, &r.Status, &r.RowsPulled, &r.Error, &r.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pull")
		}
		if completed.Valid {
			r.CompletedAt = &completed.Time
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list pulls iterate")
}

// Change tracking

func (s *SQLiteStore) MarkChanged(ctx context.Context, uprn string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO property_changes (uprn, changed_at) VALUES (?, ?)
		 ON CONFLICT (uprn) DO UPDATE SET changed_at = excluded.changed_at
		 WHERE excluded.changed_at > property_changes.changed_at`,
		uprn, at.UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark changed %s", uprn)
}

func (s *SQLiteStore) ChangedProperties(ctx context.Context, districts []string) ([]ChangedProperty, error) {
	query := `SELECT c.uprn, c.changed_at FROM property_changes c`
	var args []any
	if len(districts) > 0 {
		query += fmt.Sprintf(
			` JOIN properties p ON p.uprn = c.uprn WHERE p.district IN (%s)`,
			placeholders(len(districts)),
		)
		for _, d := range districts {
			args = append(args, d)
		}
	}
	query += ` ORDER BY c.changed_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: changed properties")
	}
	defer rows.Close()

	var out []ChangedProperty
	for rows.Next() {
		var c ChangedProperty
		if err := rows.Scan(&c.UPRN, &c.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan changed property")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: changed properties iterate")
}

// ClearChanged removes a change mark, but only if no newer change arrived
// while the recompute was running.
func (s *SQLiteStore) ClearChanged(ctx context.Context, uprn string, asOf time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM property_changes WHERE uprn = ? AND changed_at <= ?`,
		uprn, asOf.UTC(),
	)
	return eris.Wrapf(err, "sqlite: clear changed %s", uprn)
}

// helpers

const selectProperty = `SELECT uprn, paon, saon, street, town, postcode, floor_area_sqft,
	property_type, epc_rating, current_listing_id, created_at, updated_at FROM properties`

const selectListing = `SELECT id, external_ref, uprn, asking_price, listing_date, agent_name,
	source, raw_payload, created_at, updated_at FROM active_listings`

const selectJob = `SELECT id, scope, force_refresh, state, source_errors, counts,
	created_at, started_at, completed_at FROM ingestion_jobs`

func propertyColumns(alias string) string {
	cols := []string{
		"uprn", "paon", "saon", "street", "town", "postcode", "floor_area_sqft",
		"property_type", "epc_rating", "current_listing_id", "created_at", "updated_at",
	}
	return prefixColumns(alias, cols)
}

func listingColumns(alias string) string {
	cols := []string{
		"id", "external_ref", "uprn", "asking_price", "listing_date", "agent_name",
		"source", "raw_payload", "created_at", "updated_at",
	}
	return prefixColumns(alias, cols)
}

func prefixColumns(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProperty(row scannable) (*model.CanonicalProperty, error) {
	var p model.CanonicalProperty
	var area sql.NullFloat64
	var ptype string
	var listingID sql.NullString

	err := row.Scan(
		&p.UPRN, &p.Address.PAON, &p.Address.SAON, &p.Address.Street, &p.Address.Town,
		&p.Address.Postcode, &area, &ptype, &p.EPCRating, &listingID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan property")
	}
	p.PropertyType = model.PropertyType(ptype)
	if area.Valid {
		p.FloorAreaSqft = &area.Float64
	}
	if listingID.Valid {
		p.CurrentListingID = &listingID.String
	}
	return &p, nil
}

func scanListing(row scannable) (*model.ActiveListing, error) {
	var l model.ActiveListing
	var uprn sql.NullString
	var payload sql.NullString

	err := row.Scan(
		&l.ID, &l.ExternalRef, &uprn, &l.AskingPrice, &l.ListingDate,
		&l.AgentName, &l.Source, &payload, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan listing")
	}
	if uprn.Valid {
		l.UPRN = &uprn.String
	}
	if payload.Valid && payload.String != "" {
		l.RawPayload = json.RawMessage(payload.String)
	}
	return &l, nil
}

func scanMetrics(row scannable) (*model.ValuationMetrics, error) {
	var m model.ValuationMetrics
	var current, market, index, yield sql.NullFloat64
	var priority sql.NullString

	err := row.Scan(&m.UPRN, &current, &market, &index, &yield, &m.ComparableCount, &priority, &m.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan metrics")
	}
	if current.Valid {
		m.CurrentPPSF = &current.Float64
	}
	if market.Valid {
		m.MarketPPSF = &market.Float64
	}
	if index.Valid {
		m.UndervaluedIndex = &index.Float64
	}
	if yield.Valid {
		m.ProjectedYield = &yield.Float64
	}
	if priority.Valid {
		p := model.Priority(priority.String)
		m.Priority = &p
	}
	return &m, nil
}

func scanOpportunity(rows *sql.Rows) (*Opportunity, error) {
	var o Opportunity
	var area sql.NullFloat64
	var ptype string
	var listingID, listingUPRN, payload sql.NullString
	var mUPRN, mPriority sql.NullString
	var current, market, index, yield sql.NullFloat64
	var compCount sql.NullInt64
	var computedAt sql.NullTime

	err := rows.Scan(
		&o.Property.UPRN, &o.Property.Address.PAON, &o.Property.Address.SAON,
		&o.Property.Address.Street, &o.Property.Address.Town, &o.Property.Address.Postcode,
		&area, &ptype, &o.Property.EPCRating, &listingID,
		&o.Property.CreatedAt, &o.Property.UpdatedAt,
		&o.Listing.ID, &o.Listing.ExternalRef, &listingUPRN, &o.Listing.AskingPrice,
		&o.Listing.ListingDate, &o.Listing.AgentName, &o.Listing.Source, &payload,
		&o.Listing.CreatedAt, &o.Listing.UpdatedAt,
		&mUPRN, &current, &market, &index, &yield, &compCount, &mPriority, &computedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan opportunity")
	}

	o.Property.PropertyType = model.PropertyType(ptype)
	if area.Valid {
		o.Property.FloorAreaSqft = &area.Float64
	}
	if listingID.Valid {
		o.Property.CurrentListingID = &listingID.String
	}
	if listingUPRN.Valid {
		o.Listing.UPRN = &listingUPRN.String
	}
	if payload.Valid && payload.String != "" {
		o.Listing.RawPayload = json.RawMessage(payload.String)
	}

	// metrics may be absent entirely (LEFT JOIN)
	o.Metrics.UPRN = o.Property.UPRN
	if mUPRN.Valid {
		if current.Valid {
			o.Metrics.CurrentPPSF = &current.Float64
		}
		if market.Valid {
			o.Metrics.MarketPPSF = &market.Float64
		}
		if index.Valid {
			o.Metrics.UndervaluedIndex = &index.Float64
		}
		if yield.Valid {
			o.Metrics.ProjectedYield = &yield.Float64
		}
		if compCount.Valid {
			o.Metrics.ComparableCount = int(compCount.Int64)
		}
		if mPriority.Valid {
			p := model.Priority(mPriority.String)
			o.Metrics.Priority = &p
		}
		if computedAt.Valid {
			o.Metrics.ComputedAt = computedAt.Time
		}
	}
	return &o, nil
}

func scanJob(row scannable) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var scope, counts string
	var errs sql.NullString
	var started, completed sql.NullTime

	err := row.Scan(&j.ID, &scope, &j.ForceRefresh, &j.State, &errs, &counts, &j.CreatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if err := json.Unmarshal([]byte(scope), &j.Scope); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job scope")
	}
	if err := json.Unmarshal([]byte(counts), &j.Counts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job counts")
	}
	if errs.Valid && errs.String != "" {
		if err := json.Unmarshal([]byte(errs.String), &j.SourceErrors); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job errors")
		}
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return &j, nil
}

func marshalJobFields(job *model.IngestionJob) (scope, errs, counts string, err error) {
	if job.Scope == nil {
		job.Scope = []string{}
	}
	scopeJSON, err := json.Marshal(job.Scope)
	if err != nil {
		return "", "", "", eris.Wrap(err, "marshal job scope")
	}
	var errsJSON []byte
	if len(job.SourceErrors) > 0 {
		errsJSON, err = json.Marshal(job.SourceErrors)
		if err != nil {
			return "", "", "", eris.Wrap(err, "marshal job errors")
		}
	}
	countsJSON, err := json.Marshal(job.Counts)
	if err != nil {
		return "", "", "", eris.Wrap(err, "marshal job counts")
	}
	return string(scopeJSON), string(errsJSON), string(countsJSON), nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func floatEqual(a, b float64) bool {
	const eps = 1e-9
	d := a - b
	return d < eps && d > -eps
}
