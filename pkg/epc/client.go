// Package epc queries the UK Energy Performance Certificate register
// at epc.opendatacommunities.org for floor areas and energy ratings.
package epc

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/propscan/propscan-cli/internal/resilience"
)

const (
	defaultBaseURL = "https://epc.opendatacommunities.org/api/v1"

	// sqmToSqft converts register floor areas (square metres) to
	// square feet.
	sqmToSqft = 10.7639
)

// Certificate is a domestic EPC record.
type Certificate struct {
	LMKKey                string
	Address               string
	Postcode              string
	FloorAreaSqm          float64
	FloorAreaSqft         float64
	CurrentEnergyRating   string
	PotentialEnergyRating string
	PropertyType          string
	BuiltForm             string
	ConstructionAgeBand   string
}

// Client queries the EPC register. SearchByPostcode returns the most
// recent certificate matching the postcode (and optional address
// line), or nil when no certificate exists; many properties have
// never been assessed and that is not an error.
type Client interface {
	SearchByPostcode(ctx context.Context, postcode, addressLine string) (*Certificate, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
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

type httpClient struct {
	email   string
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an EPC register client. The register uses basic
// auth with the registered email as username and the issued key as
// password.
func NewClient(email, apiKey string, opts ...Option) Client {
	c := &httpClient{
		email:   email,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
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

func (c *httpClient) SearchByPostcode(ctx context.Context, postcode, addressLine string) (*Certificate, error) {
	if postcode == "" {
		return nil, eris.New("epc: postcode is required")
	}

	params := url.Values{"postcode": {strings.ReplaceAll(postcode, " ", "")}}
	if addressLine != "" {
		params.Set("address", addressLine)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/domestic/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "epc: create request")
	}
	httpReq.SetBasicAuth(c.email, c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "epc: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "epc: read response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, eris.New("epc: authentication failed, check email and api key")
	default:
		err := eris.Errorf("epc: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	// The register answers 200 with an empty body when nothing
	// matches the search.
	if len(respBody) == 0 {
		return nil, nil
	}

	var result searchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "epc: unmarshal response")
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}

	// Rows come newest first; the head is the current certificate.
	return parseRow(result.Rows[0]), nil
}

type searchResponse struct {
	Rows []searchRow `json:"rows"`
}

// searchRow mirrors the register's hyphenated column names. All
// values arrive as strings.
type searchRow struct {
	LMKKey                string `json:"lmk-key"`
	Address               string `json:"address"`
	Postcode              string `json:"postcode"`
	TotalFloorArea        string `json:"total-floor-area"`
	CurrentEnergyRating   string `json:"current-energy-rating"`
	PotentialEnergyRating string `json:"potential-energy-rating"`
	PropertyType          string `json:"property-type"`
	BuiltForm             string `json:"built-form"`
	ConstructionAgeBand   string `json:"construction-age-band"`
}

func parseRow(row searchRow) *Certificate {
	sqm, err := strconv.ParseFloat(row.TotalFloorArea, 64)
	if err != nil {
		sqm = 0
	}

	return &Certificate{
		LMKKey:                row.LMKKey,
		Address:               row.Address,
		Postcode:              row.Postcode,
		FloorAreaSqm:          sqm,
		FloorAreaSqft:         math.Round(sqm*sqmToSqft*100) / 100,
		CurrentEnergyRating:   row.CurrentEnergyRating,
		PotentialEnergyRating: row.PotentialEnergyRating,
		PropertyType:          row.PropertyType,
		BuiltForm:             row.BuiltForm,
		ConstructionAgeBand:   row.ConstructionAgeBand,
	}
}
