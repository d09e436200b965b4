package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
	"github.com/propscan/propscan-cli/pkg/epc"
)

const (
	sourceEPC = "epc"

	defaultEPCFreshness = 7 * 24 * time.Hour
)

// FloorAreaSource enriches known properties with floor areas and
// energy ratings from the EPC register. Properties without a
// certificate stay as they are; a missing certificate is a normal
// outcome.
type FloorAreaSource struct {
	client    epc.Client
	st        store.Store
	freshness time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewFloorAreaSource wires the EPC lookup source. Zero freshness
// means the default weekly window.
func NewFloorAreaSource(client epc.Client, st store.Store, freshness time.Duration) *FloorAreaSource {
	if freshness <= 0 {
		freshness = defaultEPCFreshness
	}
	return &FloorAreaSource{
		client:    client,
		st:        st,
		freshness: freshness,
		now:       time.Now,
		log:       zap.L().Named("ingest.epc"),
	}
}

func (s *FloorAreaSource) Name() string { return sourceEPC }

func (s *FloorAreaSource) FreshnessWindow() time.Duration { return s.freshness }

func (s *FloorAreaSource) Pull(ctx context.Context, scope []string) (*PullResult, error) {
	res := &PullResult{}
	now := s.now().UTC()

	for _, district := range scope {
		props, err := s.st.PropertiesByDistrict(ctx, district)
		if err != nil {
			return nil, eris.Wrapf(err, "epc: list properties in %s", district)
		}

		for i := range props {
			p := &props[i]
			cert, err := s.client.SearchByPostcode(ctx, p.Address.Postcode, addressLine(p.Address))
			if err != nil {
				return nil, eris.Wrapf(err, "epc: lookup %s", p.UPRN)
			}
			res.Rows++

			if cert == nil || cert.FloorAreaSqft <= 0 {
				continue
			}

			changed, err := s.st.UpdateFloorArea(ctx, p.UPRN, cert.FloorAreaSqft, cert.CurrentEnergyRating)
			if err != nil {
				return nil, eris.Wrapf(err, "epc: update floor area %s", p.UPRN)
			}
			if changed {
				s.log.Debug("floor area updated",
					zap.String("uprn", p.UPRN),
					zap.Float64("sqft", cert.FloorAreaSqft),
					zap.String("rating", cert.CurrentEnergyRating),
				)
				if err := s.st.MarkChanged(ctx, p.UPRN, now); err != nil {
					return nil, eris.Wrapf(err, "epc: mark changed %s", p.UPRN)
				}
			}
		}
	}
	return res, nil
}

func addressLine(a model.Address) string {
	return strings.TrimSpace(strings.Join(strings.Fields(a.SAON+" "+a.PAON+" "+a.Street), " "))
}
