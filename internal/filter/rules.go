package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kdimtricp/callpilot/internal/extract"
)

var ErrInvalidRules = errors.New("invalid filter rules")

// PriorityFareThreshold is the minimum fare accepted when PriorityHighFare is
// enabled.
const PriorityFareThreshold = 10000

type Rules struct {
	MinAmount       int      `json:"minAmount" mapstructure:"min_amount"`
	MaxAmount       int      `json:"maxAmount" mapstructure:"max_amount"`
	MinDistance     float64  `json:"minDistance" mapstructure:"min_distance"`
	MaxDistance     float64  `json:"maxDistance" mapstructure:"max_distance"`
	PreferredAreas  []string `json:"preferredAreas" mapstructure:"preferred_areas"`
	AvoidAreas      []string `json:"avoidAreas" mapstructure:"avoid_areas"`
	AutoAccept      bool     `json:"autoAccept" mapstructure:"auto_accept"`
	PriorityHigh    bool     `json:"priorityHighFare" mapstructure:"priority_high_fare"`
	AvoidCongestion bool     `json:"avoidCongestion" mapstructure:"avoid_congestion"`
	CongestionAreas []string `json:"congestionAreas" mapstructure:"congestion_areas"`
}

func DefaultRules() Rules {
	return Rules{
		MinAmount:       5000,
		MaxAmount:       1000000,
		MinDistance:     0,
		MaxDistance:     3.0,
		PreferredAreas:  []string{"강남구", "서초구", "송파구"},
		AutoAccept:      true,
		CongestionAreas: []string{"강남역", "서울역", "고속터미널", "잠실역"},
	}
}

func (r Rules) Validate() error {
	switch {
	case r.MinAmount < 0 || r.MaxAmount < 0:
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidRules)
	case r.MinAmount > r.MaxAmount:
		return fmt.Errorf("%w: minAmount %d exceeds maxAmount %d", ErrInvalidRules, r.MinAmount, r.MaxAmount)
	case r.MinDistance < 0 || r.MaxDistance < 0:
		return fmt.Errorf("%w: distances must not be negative", ErrInvalidRules)
	case r.MinDistance > r.MaxDistance:
		return fmt.Errorf("%w: minDistance %.2f exceeds maxDistance %.2f", ErrInvalidRules, r.MinDistance, r.MaxDistance)
	}
	return nil
}

// IsZero reports whether no field of r has been set.
func (r Rules) IsZero() bool {
	return r.MinAmount == 0 && r.MaxAmount == 0 &&
		r.MinDistance == 0 && r.MaxDistance == 0 &&
		len(r.PreferredAreas) == 0 && len(r.AvoidAreas) == 0 && len(r.CongestionAreas) == 0 &&
		!r.AutoAccept && !r.PriorityHigh && !r.AvoidCongestion
}

// Clone returns a deep copy so callers can't mutate stored area lists.
func (r Rules) Clone() Rules {
	r.PreferredAreas = slices.Clone(r.PreferredAreas)
	r.AvoidAreas = slices.Clone(r.AvoidAreas)
	r.CongestionAreas = slices.Clone(r.CongestionAreas)
	return r
}

// Patch is a partial rules update. Nil fields keep the current value.
type Patch struct {
	MinAmount       *int      `json:"minAmount,omitempty"`
	MaxAmount       *int      `json:"maxAmount,omitempty"`
	MinDistance     *float64  `json:"minDistance,omitempty"`
	MaxDistance     *float64  `json:"maxDistance,omitempty"`
	PreferredAreas  *[]string `json:"preferredAreas,omitempty"`
	AvoidAreas      *[]string `json:"avoidAreas,omitempty"`
	AutoAccept      *bool     `json:"autoAccept,omitempty"`
	PriorityHigh    *bool     `json:"priorityHighFare,omitempty"`
	AvoidCongestion *bool     `json:"avoidCongestion,omitempty"`
	CongestionAreas *[]string `json:"congestionAreas,omitempty"`
}

func (p Patch) Apply(r Rules) Rules {
	r = r.Clone()
	if p.MinAmount != nil {
		r.MinAmount = *p.MinAmount
	}
	if p.MaxAmount != nil {
		r.MaxAmount = *p.MaxAmount
	}
	if p.MinDistance != nil {
		r.MinDistance = *p.MinDistance
	}
	if p.MaxDistance != nil {
		r.MaxDistance = *p.MaxDistance
	}
	if p.PreferredAreas != nil {
		r.PreferredAreas = slices.Clone(*p.PreferredAreas)
	}
	if p.AvoidAreas != nil {
		r.AvoidAreas = slices.Clone(*p.AvoidAreas)
	}
	if p.AutoAccept != nil {
		r.AutoAccept = *p.AutoAccept
	}
	if p.PriorityHigh != nil {
		r.PriorityHigh = *p.PriorityHigh
	}
	if p.AvoidCongestion != nil {
		r.AvoidCongestion = *p.AvoidCongestion
	}
	if p.CongestionAreas != nil {
		r.CongestionAreas = slices.Clone(*p.CongestionAreas)
	}
	return r
}

const (
	ReasonAutoAcceptOff     = "auto_accept_off"
	ReasonFareBelowMin      = "fare_below_min"
	ReasonFareAboveMax      = "fare_above_max"
	ReasonFareBelowPriority = "fare_below_priority"
	ReasonDistanceBelowMin  = "distance_below_min"
	ReasonDistanceAboveMax  = "distance_above_max"
	ReasonAreaNotPreferred  = "area_not_preferred"
	ReasonAreaAvoided       = "area_avoided"
	ReasonAccepted          = "accepted"
)

type Decision struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

// Decide applies the rules in a fixed order and returns the first rejection.
// Attributes that were not extracted never cause a rejection on their own.
func Decide(attrs extract.Attributes, r Rules) Decision {
	if !r.AutoAccept {
		return reject(ReasonAutoAcceptOff)
	}

	if attrs.Fare != nil {
		fare := *attrs.Fare
		if fare < r.MinAmount {
			return reject(ReasonFareBelowMin)
		}
		if r.MaxAmount > 0 && fare > r.MaxAmount {
			return reject(ReasonFareAboveMax)
		}
		if r.PriorityHigh && fare < PriorityFareThreshold {
			return reject(ReasonFareBelowPriority)
		}
	}

	if attrs.DistanceKm != nil {
		dist := *attrs.DistanceKm
		if dist < r.MinDistance {
			return reject(ReasonDistanceBelowMin)
		}
		if r.MaxDistance > 0 && dist > r.MaxDistance {
			return reject(ReasonDistanceAboveMax)
		}
	}

	areas := attrs.AllAreas()

	// A job outside the preferred areas is only turned down while congestion
	// avoidance is on.
	if r.AvoidCongestion && len(r.PreferredAreas) > 0 && len(areas) > 0 && !anyMatch(areas, r.PreferredAreas) {
		return reject(ReasonAreaNotPreferred)
	}

	// Checked after preferred areas, so an avoided area wins over a preferred one.
	avoid := r.AvoidAreas
	if r.AvoidCongestion {
		avoid = append(slices.Clone(avoid), r.CongestionAreas...)
	}
	if anyMatch(areas, avoid) {
		return reject(ReasonAreaAvoided)
	}

	return Decision{Accept: true, Reason: ReasonAccepted}
}

func reject(reason string) Decision {
	return Decision{Accept: false, Reason: reason}
}

// anyMatch reports whether any extracted area matches any listed area.
// "강남구" matches "서울 강남구" and vice versa.
func anyMatch(areas, list []string) bool {
	for _, a := range areas {
		for _, l := range list {
			if l == "" {
				continue
			}
			if a == l || strings.Contains(a, l) || strings.Contains(l, a) {
				return true
			}
		}
	}
	return false
}

// Store holds one session's rules. Readers always get a consistent copy.
type Store struct {
	mu    sync.RWMutex
	rules Rules
}

func NewStore(initial Rules) *Store {
	return &Store{rules: initial.Clone()}
}

func (s *Store) Get() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Clone()
}

// Update replaces the rules. An invalid set is rejected and the previous rules
// stay in effect.
func (s *Store) Update(r Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = r.Clone()
	s.mu.Unlock()
	return nil
}

// ApplyPatch merges p onto the current rules and stores the result if valid.
func (s *Store) ApplyPatch(p Patch) (Rules, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := p.Apply(s.rules)
	if err := next.Validate(); err != nil {
		return s.rules.Clone(), err
	}
	s.rules = next
	return next.Clone(), nil
}
