package comparables

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Adjacency maps a postcode district to its adjoining districts. The data
// is symmetric in spirit but the file is loaded as-is; a one-way edge only
// widens searches from one side.
type Adjacency map[string][]string

// LoadAdjacency reads a district adjacency file:
//
//	SW15: [SW18, SW19, TW10]
//	SW18: [SW15, SW17]
func LoadAdjacency(path string) (Adjacency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "comparables: read adjacency %s", path)
	}
	var adj Adjacency
	if err := yaml.Unmarshal(data, &adj); err != nil {
		return nil, eris.Wrapf(err, "comparables: parse adjacency %s", path)
	}
	return adj, nil
}

// Expand returns the district plus its one-hop neighbours, deduplicated
// and sorted, the home district first.
func (a Adjacency) Expand(district string) []string {
	out := []string{district}
	seen := map[string]bool{district: true}

	neighbours := append([]string(nil), a[district]...)
	sort.Strings(neighbours)
	for _, n := range neighbours {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
