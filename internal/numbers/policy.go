package numbers

import (
	"context"
	"strings"
)

// PhoneNumber is one caller-ID candidate in a workspace pool.
type PhoneNumber struct {
	Number   string `json:"phone_number"`
	AreaCode string `json:"area_code"`
	Active   bool   `json:"active"`
	Primary  bool   `json:"is_primary"`
}

// Pool is the set of outbound numbers available for one dial attempt.
// Primary, when set, is the designated fallback; otherwise the first active
// number flagged primary is used.
type Pool struct {
	Numbers []PhoneNumber `json:"numbers"`
	Primary *PhoneNumber  `json:"primary,omitempty"`
}

// Selection is the policy outcome for one leg. It is not persisted.
type Selection struct {
	PhoneNumber      string   `json:"phone_number"`
	AreaCode         string   `json:"area_code"`
	LocalMatch       bool     `json:"local_match"`
	ProximityMatch   bool     `json:"proximity_match"`
	DistanceMiles    *float64 `json:"distance_miles,omitempty"`
	IsPrimary        bool     `json:"is_primary"`
	CustomerAreaCode string   `json:"customer_area_code,omitempty"`
}

// DistanceLookup resolves the distance in miles between two area codes.
// It depends on an external geo dataset, so callers decide at construction
// time whether proximity matching is available at all.
type DistanceLookup interface {
	Distance(ctx context.Context, fromAreaCode, toAreaCode string) (float64, error)
}

// Policy selects the best outbound caller-ID for a customer number.
//
// Priority: exact area-code match, then nearest area code within
// MaxDistanceMiles (only when a DistanceLookup was supplied), then the pool's
// primary number. Pure decision logic; no side effects.
type Policy struct {
	distance DistanceLookup
	maxMiles float64
}

func NewPolicy(distance DistanceLookup, maxDistanceMiles float64) *Policy {
	if maxDistanceMiles <= 0 {
		maxDistanceMiles = 100
	}
	return &Policy{distance: distance, maxMiles: maxDistanceMiles}
}

// Select returns the chosen number, or nil when the pool has nothing usable.
func (p *Policy) Select(ctx context.Context, pool Pool, customerNumber string) (*Selection, error) {
	customerArea := AreaCode(customerNumber)

	if customerArea != "" {
		// 1) Exact area-code match.
		for _, n := range pool.Numbers {
			if !n.Active {
				continue
			}
			if n.AreaCode == customerArea {
				return &Selection{
					PhoneNumber:      n.Number,
					AreaCode:         n.AreaCode,
					LocalMatch:       true,
					IsPrimary:        n.Primary,
					CustomerAreaCode: customerArea,
				}, nil
			}
		}

		// 2) Proximity match, when a geo dataset is available. Pools are
		// small (tens of numbers), so lookups run sequentially.
		if p.distance != nil {
			var best *PhoneNumber
			var bestMiles float64
			for i := range pool.Numbers {
				n := &pool.Numbers[i]
				if !n.Active || n.AreaCode == "" {
					continue
				}
				miles, err := p.distance.Distance(ctx, n.AreaCode, customerArea)
				if err != nil {
					// A candidate without distance data simply does not
					// proximity-match; selection falls through to primary.
					continue
				}
				if miles > p.maxMiles {
					continue
				}
				if best == nil || miles < bestMiles {
					best = n
					bestMiles = miles
				}
			}
			if best != nil {
				d := bestMiles
				return &Selection{
					PhoneNumber:      best.Number,
					AreaCode:         best.AreaCode,
					ProximityMatch:   true,
					DistanceMiles:    &d,
					IsPrimary:        best.Primary,
					CustomerAreaCode: customerArea,
				}, nil
			}
		}
	}

	// 3) Primary fallback.
	if pri := primaryOf(pool); pri != nil {
		return &Selection{
			PhoneNumber:      pri.Number,
			AreaCode:         pri.AreaCode,
			IsPrimary:        true,
			CustomerAreaCode: customerArea,
		}, nil
	}

	return nil, nil
}

func primaryOf(pool Pool) *PhoneNumber {
	if pool.Primary != nil && pool.Primary.Active {
		return pool.Primary
	}
	for i := range pool.Numbers {
		if pool.Numbers[i].Active && pool.Numbers[i].Primary {
			return &pool.Numbers[i]
		}
	}
	return nil
}

// AreaCode extracts the NPA from an E.164-ish US number. Accepts 11-digit
// 1XXXXXXXXXX and bare 10-digit forms; anything else yields "".
func AreaCode(number string) string {
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) == 11 && d[0] == '1':
		return d[1:4]
	case len(d) == 10:
		return d[0:3]
	default:
		return ""
	}
}
