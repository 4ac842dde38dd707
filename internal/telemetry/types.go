package telemetry

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meterboard/telemetry/pkg/signals"
)

// Domain is a telemetry category with its own cache namespace and API
// path segment.
type Domain string

const (
	DomainEnergy Domain = "energy"
	DomainWater  Domain = "water"
)

func (d Domain) String() string { return string(d) }

// Period is the date range and granularity totals are requested for.
// Immutable once a hydration cycle starts.
type Period struct {
	Start       time.Time
	End         time.Time
	Granularity string
	Timezone    string
}

const periodLayout = "2006-01-02"

// NewPeriod builds a period from ISO dates.
func NewPeriod(startISO, endISO string) (Period, error) {
	start, err := time.Parse(periodLayout, startISO)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period start %q: %w", startISO, err)
	}
	end, err := time.Parse(periodLayout, endISO)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period end %q: %w", endISO, err)
	}
	return Period{Start: start, End: end}, nil
}

// Key renders the period part of a cache key.
func (p Period) Key() string {
	return p.Start.Format(periodLayout) + "|" + p.End.Format(periodLayout)
}

// CacheKey identifies one cached result: one entry per distinct
// (domain, start, end) triple.
func CacheKey(domain Domain, period Period) string {
	return string(domain) + "|" + period.Key()
}

// DeviceTotal is a normalized row from the remote API: one device's
// aggregate (kWh or m³) for the period. Value is non-negative.
type DeviceTotal struct {
	ID         string
	CustomerID string
	Label      string
	Value      decimal.Decimal
	DeviceType string
	SlaveID    string
	CentralID  string
}

// ToSignal converts rows into the bus payload shape.
func ToSignal(items []DeviceTotal) []signals.DeviceTotal {
	out := make([]signals.DeviceTotal, len(items))
	for i, it := range items {
		out[i] = signals.DeviceTotal{
			ID:         it.ID,
			CustomerID: it.CustomerID,
			Label:      it.Label,
			Value:      it.Value,
			DeviceType: it.DeviceType,
			SlaveID:    it.SlaveID,
			CentralID:  it.CentralID,
		}
	}
	return out
}

// FromSignal converts bus payload rows back into the internal shape.
func FromSignal(items []signals.DeviceTotal) []DeviceTotal {
	out := make([]DeviceTotal, len(items))
	for i, it := range items {
		out[i] = DeviceTotal{
			ID:         it.ID,
			CustomerID: it.CustomerID,
			Label:      it.Label,
			Value:      it.Value,
			DeviceType: it.DeviceType,
			SlaveID:    it.SlaveID,
			CentralID:  it.CentralID,
		}
	}
	return out
}
