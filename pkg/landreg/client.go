// Package landreg queries HM Land Registry price paid data over the
// public SPARQL endpoint at landregistry.data.gov.uk.
package landreg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/propscan/propscan-cli/internal/resilience"
)

const (
	defaultBaseURL = "https://landregistry.data.gov.uk"
	defaultLimit   = 500

	queryPath = "/landregistry/query"
)

// propertyTypeURIs maps readable property types to Land Registry common
// vocabulary URIs.
var propertyTypeURIs = map[string]string{
	"Detached":      "http://landregistry.data.gov.uk/def/common/detached",
	"Semi-Detached": "http://landregistry.data.gov.uk/def/common/semi-detached",
	"Terraced":      "http://landregistry.data.gov.uk/def/common/terraced",
	"Flat":          "http://landregistry.data.gov.uk/def/common/flat-maisonette",
}

// Transaction is a single price paid record returned by the endpoint.
type Transaction struct {
	AddressURI   string
	PricePaid    float64
	Date         time.Time
	PropertyType string
	Postcode     string
	PAON         string
	SAON         string
	Street       string
	Town         string
}

// TransactionQuery narrows a price paid lookup. PostcodeSector is
// required; everything else is optional.
type TransactionQuery struct {
	PostcodeSector string
	PropertyType   string
	MinDate        time.Time
	MaxDate        time.Time
	Limit          int
}

// Client queries the Land Registry SPARQL endpoint.
type Client interface {
	QueryTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default endpoint base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLimit overrides the default result limit applied when a query
// does not set one.
func WithLimit(limit int) Option {
	return func(c *httpClient) {
		c.limit = limit
	}
}

type httpClient struct {
	baseURL string
	limit   int
	http    *http.Client
}

// NewClient creates a Land Registry SPARQL client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		limit:   defaultLimit,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) QueryTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, error) {
	if q.PostcodeSector == "" {
		return nil, eris.New("landreg: postcode sector is required")
	}

	form := url.Values{"query": {buildQuery(q, c.limit)}}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "landreg: create request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/sparql-results+json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "landreg: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "landreg: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("landreg: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result sparqlResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "landreg: unmarshal response")
	}

	return parseBindings(result.Results.Bindings), nil
}

// buildQuery renders the SPARQL query for a transaction lookup.
// Standard price paid transactions only; additional-price records
// (repossessions, buy-to-let portfolios) skew comparables.
func buildQuery(q TransactionQuery, defaultLim int) string {
	var filters []string
	if uri, ok := propertyTypeURIs[q.PropertyType]; ok {
		filters = append(filters, fmt.Sprintf("FILTER(?propertyType = <%s>)", uri))
	}
	if !q.MinDate.IsZero() {
		filters = append(filters, fmt.Sprintf("FILTER(?transactionDate >= %q^^xsd:date)", q.MinDate.Format("2006-01-02")))
	}
	if !q.MaxDate.IsZero() {
		filters = append(filters, fmt.Sprintf("FILTER(?transactionDate <= %q^^xsd:date)", q.MaxDate.Format("2006-01-02")))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLim
	}

	return fmt.Sprintf(`PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
PREFIX ppi: <http://landregistry.data.gov.uk/def/ppi/>
PREFIX lrcommon: <http://landregistry.data.gov.uk/def/common/>

SELECT ?item ?address ?pricePaid ?transactionDate ?propertyType ?postcode
       ?paon ?saon ?street ?town
WHERE {
    ?item a ppi:TransactionRecord ;
          ppi:pricePaid ?pricePaid ;
          ppi:transactionDate ?transactionDate ;
          ppi:propertyAddress ?address ;
          ppi:propertyType ?propertyType ;
          ppi:transactionCategory <http://landregistry.data.gov.uk/def/ppi/standardPricePaidTransaction> .

    ?address lrcommon:postcode ?postcode .

    OPTIONAL { ?address lrcommon:paon ?paon }
    OPTIONAL { ?address lrcommon:saon ?saon }
    OPTIONAL { ?address lrcommon:street ?street }
    OPTIONAL { ?address lrcommon:town ?town }

    FILTER(STRSTARTS(?postcode, %q))
    %s
}
ORDER BY DESC(?transactionDate)
LIMIT %d`, q.PostcodeSector, strings.Join(filters, "\n    "), limit)
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

type sparqlValue struct {
	Value string `json:"value"`
}

// parseBindings converts SPARQL bindings to transactions, skipping
// rows with an unparsable price or date.
func parseBindings(bindings []map[string]sparqlValue) []Transaction {
	txs := make([]Transaction, 0, len(bindings))
	for _, b := range bindings {
		price, err := strconv.ParseFloat(b["pricePaid"].Value, 64)
		if err != nil {
			continue
		}
		date, err := time.Parse("2006-01-02", b["transactionDate"].Value)
		if err != nil {
			continue
		}
		txs = append(txs, Transaction{
			AddressURI:   b["address"].Value,
			PricePaid:    price,
			Date:         date,
			PropertyType: uriToPropertyType(b["propertyType"].Value),
			Postcode:     b["postcode"].Value,
			PAON:         b["paon"].Value,
			SAON:         b["saon"].Value,
			Street:       b["street"].Value,
			Town:         b["town"].Value,
		})
	}
	return txs
}

func uriToPropertyType(uri string) string {
	for name, u := range propertyTypeURIs {
		if uri == u {
			return name
		}
	}
	return "Unknown"
}

// ExtractPostcodeSector reduces a full postcode to its sector, e.g.
// "SW15 6EJ" becomes "SW15 6". Sector queries give better geographic
// precision than district-level ones without blowing up result sizes.
func ExtractPostcodeSector(postcode string) string {
	parts := strings.Fields(strings.ToUpper(strings.TrimSpace(postcode)))
	if len(parts) == 2 && len(parts[1]) >= 1 {
		return parts[0] + " " + parts[1][:1]
	}
	return postcode
}
