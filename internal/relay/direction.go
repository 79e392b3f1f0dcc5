package relay

// Direction identifies one of the six reconciliation pipelines.
type Direction int

const (
	DirAttest Direction = iota // D1: Ledger→Chain attestations
	DirBridgeIn                // D2: Chain→Ledger bridge-ins
	DirRedemption              // D2b: Ledger redemptions → Chain mints
	DirBridgeOut               // D3: Ledger bridge-outs → treasury backing
	DirYield                   // D4: staking-pool yield
	DirETHPoolYield            // D4b: ETH-pool yield

	numDirections
)

func (d Direction) String() string {
	switch d {
	case DirAttest:
		return "attest"
	case DirBridgeIn:
		return "bridge_in"
	case DirRedemption:
		return "redemption"
	case DirBridgeOut:
		return "bridge_out"
	case DirYield:
		return "yield"
	case DirETHPoolYield:
		return "ethpool_yield"
	default:
		return "unknown"
	}
}

type healthStatus int

const (
	healthy healthStatus = iota
	degraded
	failed
)

func (s healthStatus) String() string {
	switch s {
	case healthy:
		return "healthy"
	case degraded:
		return "degraded"
	default:
		return "failed"
	}
}

// demotionThreshold is the consecutive-failure count that drops a
// direction one health level.
const demotionThreshold = 5

// directionHealth tracks per-direction fault isolation. Degraded
// directions run every 3rd cycle, failed ones every 10th; a single success
// restores full cadence.
type directionHealth struct {
	status      healthStatus
	consecutive int
}

func (h *directionHealth) shouldRun(cycle uint64) bool {
	switch h.status {
	case degraded:
		return cycle%3 == 0
	case failed:
		return cycle%10 == 0
	default:
		return true
	}
}

func (h *directionHealth) recordSuccess() {
	h.status = healthy
	h.consecutive = 0
}

func (h *directionHealth) recordFailure(permanent bool) {
	if permanent {
		h.status = failed
		h.consecutive = 0
		return
	}
	h.consecutive++
	if h.consecutive >= demotionThreshold {
		if h.status < failed {
			h.status++
		}
		h.consecutive = 0
	}
}
