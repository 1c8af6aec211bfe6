package scheduler

import (
	"math/rand/v2"
	"sync"

	"github.com/pilot-net/geotrack/pkg/types"
)

// DefaultDriftProbability is the per-tick chance an online device drops.
const DefaultDriftProbability = 0.05

// RandomDrift simulates network-presence drift: each online device has a
// fixed chance per tick of going offline or into maintenance.
type RandomDrift struct {
	probability float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomDrift returns a drift prober. A nil rng uses a randomly seeded source.
func NewRandomDrift(probability float64, rng *rand.Rand) *RandomDrift {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &RandomDrift{probability: probability, rng: rng}
}

// Probe implements Prober.
func (r *RandomDrift) Probe(d types.Device) (types.DeviceStatus, int, bool) {
	if d.Status != types.DeviceStatusOnline {
		return d.Status, d.HealthScore, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Float64() >= r.probability {
		return d.Status, d.HealthScore, false
	}

	status := types.DeviceStatusOffline
	if r.rng.Float64() >= 0.5 {
		status = types.DeviceStatusMaintenance
	}
	health := 10 + r.rng.IntN(50)
	return status, health, true
}
