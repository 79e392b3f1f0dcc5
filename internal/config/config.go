// Package config loads and validates the relay configuration from the
// environment. Every option is env-driven; an optional .env file is read
// first so local runs behave like deployed ones.
package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

const (
	// EnvProduction gates the security posture: TLS-only endpoints,
	// KMS-only signing, and hard refusal of unsafe TLS overrides.
	EnvProduction  = "production"
	EnvDevelopment = "development"

	// validatorMapMaxBytes caps the VALIDATOR_ADDRESSES JSON blob.
	validatorMapMaxBytes = 10 * 1024
)

// Config is the full, validated relay configuration.
type Config struct {
	Env string

	// Chain endpoints, primary first.
	RPCURL       string
	RPCFallbacks []string

	// Ledger (Canton JSON API) endpoint and operator identity.
	CantonHost  string
	CantonPort  int
	CantonToken string
	CantonParty string

	// Chain contract addresses.
	Bridge                  common.Address
	Treasury                common.Address
	MetaVault3              common.Address
	MUSDToken               common.Address
	YieldDistributor        common.Address
	ETHPoolYieldDistributor common.Address

	// Signer source. KMSKeyID wins when both are set; a raw key is
	// rejected outright in production.
	KMSKeyID   string
	PrivateKey string

	// Routing maps.
	ValidatorAddresses      map[string]common.Address
	RecipientPartyAliases   map[string]string
	RedemptionEthRecipients map[string]common.Address

	// Scheduling and reorg safety.
	PollInterval   time.Duration
	Confirmations  uint64
	LookbackBlocks uint64

	// Rate-limit caps on Chain-bound submissions.
	RateLimitTxPerBlock  int
	RateLimitTxPerMinute int
	RateLimitTxPerHour   int

	// Pause-guardian thresholds.
	PauseCapChangePct int64
	PauseMaxReverts   int

	// Per-request redemption payout cap, 18-decimal units.
	MaxRedemptionPayoutWei *big.Int

	// Behavioral knobs; default off in production, on in dev.
	AutoGrantBridgeRole         bool
	AutoAcceptTransferProposals bool

	// Optional treasury auto-deploy after successful attestations.
	AutoDeployTreasury       bool
	TreasuryAutoDeployMinWei *big.Int

	// Attestation TTL shared with the Ledger-side aggregator. Both sides
	// must agree or every attestation is systematically rejected.
	AttestationTTL time.Duration

	// CIP-56 transfer factory package; empty disables the preferred path.
	CIP56PackageID  string
	GovernanceParty string

	StateFile          string
	HealthAddr         string
	MetricsBearerToken string
}

// Load reads the environment (after an optional .env file) and returns a
// validated Config. Any malformed value is a fatal startup error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env: strings.ToLower(getEnv("RELAY_ENV", EnvDevelopment)),
	}
	prod := cfg.Env == EnvProduction

	if prod && os.Getenv("NODE_TLS_REJECT_UNAUTHORIZED") == "0" {
		return nil, fmt.Errorf("NODE_TLS_REJECT_UNAUTHORIZED=0 is not permitted in production")
	}

	cfg.RPCURL = os.Getenv("RPC_URL")
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}
	for _, raw := range splitList(os.Getenv("RPC_FALLBACK_URLS")) {
		cfg.RPCFallbacks = append(cfg.RPCFallbacks, raw)
	}
	for _, u := range append([]string{cfg.RPCURL}, cfg.RPCFallbacks...) {
		if err := checkEndpoint(u, prod); err != nil {
			return nil, err
		}
	}

	cfg.CantonHost = os.Getenv("CANTON_HOST")
	if cfg.CantonHost == "" {
		return nil, fmt.Errorf("CANTON_HOST is required")
	}
	port, err := intEnv("CANTON_PORT", 443)
	if err != nil {
		return nil, err
	}
	cfg.CantonPort = port
	cfg.CantonToken = os.Getenv("CANTON_TOKEN")
	cfg.CantonParty = os.Getenv("CANTON_PARTY")
	if cfg.CantonParty == "" {
		return nil, fmt.Errorf("CANTON_PARTY is required")
	}

	for _, a := range []struct {
		name string
		dst  *common.Address
		req  bool
	}{
		{"BRIDGE", &cfg.Bridge, true},
		{"TREASURY", &cfg.Treasury, true},
		{"META_VAULT3", &cfg.MetaVault3, false},
		{"MUSD_TOKEN", &cfg.MUSDToken, true},
		{"YIELD_DISTRIBUTOR", &cfg.YieldDistributor, false},
		{"ETH_POOL_YIELD_DISTRIBUTOR", &cfg.ETHPoolYieldDistributor, false},
	} {
		v := os.Getenv(a.name)
		if v == "" {
			if a.req {
				return nil, fmt.Errorf("%s is required", a.name)
			}
			continue
		}
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("%s: invalid address %q", a.name, v)
		}
		*a.dst = common.HexToAddress(v)
	}

	cfg.KMSKeyID = os.Getenv("KMS_KEY_ID")
	cfg.PrivateKey = os.Getenv("PRIVATE_KEY")
	if prod {
		if cfg.KMSKeyID == "" {
			return nil, fmt.Errorf("KMS_KEY_ID is required in production")
		}
		if cfg.PrivateKey != "" {
			return nil, fmt.Errorf("raw PRIVATE_KEY is not permitted in production")
		}
	}
	if cfg.KMSKeyID == "" && cfg.PrivateKey == "" {
		return nil, fmt.Errorf("one of KMS_KEY_ID or PRIVATE_KEY is required")
	}

	cfg.ValidatorAddresses, err = parseValidatorMap(os.Getenv("VALIDATOR_ADDRESSES"))
	if err != nil {
		return nil, err
	}
	cfg.RecipientPartyAliases, err = parseStringMap(os.Getenv("RECIPIENT_PARTY_ALIASES"))
	if err != nil {
		return nil, fmt.Errorf("RECIPIENT_PARTY_ALIASES: %w", err)
	}
	cfg.RedemptionEthRecipients, err = parseAddressMap(os.Getenv("REDEMPTION_ETH_RECIPIENTS"))
	if err != nil {
		return nil, fmt.Errorf("REDEMPTION_ETH_RECIPIENTS: %w", err)
	}

	pollMs, err := intEnv("POLL_INTERVAL_MS", 15000)
	if err != nil {
		return nil, err
	}
	cfg.PollInterval = time.Duration(pollMs) * time.Millisecond
	conf, err := intEnv("CONFIRMATIONS", 12)
	if err != nil {
		return nil, err
	}
	cfg.Confirmations = uint64(conf)
	lookback, err := intEnv("LOOKBACK_BLOCKS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.LookbackBlocks = uint64(lookback)

	if cfg.RateLimitTxPerBlock, err = intEnv("RATE_LIMIT_TX_PER_BLOCK", 1); err != nil {
		return nil, err
	}
	if cfg.RateLimitTxPerMinute, err = intEnv("RATE_LIMIT_TX_PER_MINUTE", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitTxPerHour, err = intEnv("RATE_LIMIT_TX_PER_HOUR", 60); err != nil {
		return nil, err
	}

	capPct, err := intEnv("PAUSE_CAP_CHANGE_PCT", 20)
	if err != nil {
		return nil, err
	}
	cfg.PauseCapChangePct = int64(capPct)
	if cfg.PauseMaxReverts, err = intEnv("PAUSE_MAX_REVERTS", 5); err != nil {
		return nil, err
	}

	maxPayout := getEnv("MAX_REDEMPTION_ETH_PAYOUT_MUSD", "100000")
	cfg.MaxRedemptionPayoutWei, err = parseFixed18(maxPayout)
	if err != nil {
		return nil, fmt.Errorf("MAX_REDEMPTION_ETH_PAYOUT_MUSD: %w", err)
	}

	cfg.AutoGrantBridgeRole = boolEnv("AUTO_GRANT_BRIDGE_ROLE_FOR_REDEMPTIONS", !prod)
	cfg.AutoAcceptTransferProposals = boolEnv("AUTO_ACCEPT_MUSD_TRANSFER_PROPOSALS", !prod)
	cfg.AutoDeployTreasury = boolEnv("AUTO_DEPLOY_TREASURY", false)
	minDeploy := getEnv("TREASURY_AUTO_DEPLOY_MIN_MUSD", "0")
	cfg.TreasuryAutoDeployMinWei, err = parseFixed18(minDeploy)
	if err != nil {
		return nil, fmt.Errorf("TREASURY_AUTO_DEPLOY_MIN_MUSD: %w", err)
	}

	ttl, err := intEnv("ATTESTATION_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ATTESTATION_TTL_SECONDS must be positive")
	}
	cfg.AttestationTTL = time.Duration(ttl) * time.Second

	cfg.CIP56PackageID = os.Getenv("CIP56_PACKAGE_ID")
	cfg.GovernanceParty = os.Getenv("GOVERNANCE_PARTY")

	cfg.StateFile = getEnv("STATE_FILE", "relay-state.json")
	cfg.HealthAddr = getEnv("HEALTH_ADDR", "127.0.0.1:8080")
	cfg.MetricsBearerToken = os.Getenv("METRICS_BEARER_TOKEN")

	return cfg, nil
}

// CantonBaseURL returns the Ledger JSON API base URL. TLS is mandatory in
// production; dev setups may talk to a local participant over plain HTTP.
func (c *Config) CantonBaseURL() string {
	scheme := "https"
	if c.Env != EnvProduction && c.CantonPort != 443 {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.CantonHost, c.CantonPort)
}

// Production reports whether the relay runs with the production posture.
func (c *Config) Production() bool { return c.Env == EnvProduction }

func checkEndpoint(raw string, prod bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid RPC endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "https", "wss":
		return nil
	case "http", "ws":
		if prod {
			return fmt.Errorf("plain %s RPC endpoint rejected in production", u.Scheme)
		}
		return nil
	default:
		return fmt.Errorf("unsupported RPC scheme %q", u.Scheme)
	}
}

func parseValidatorMap(raw string) (map[string]common.Address, error) {
	if raw == "" {
		return map[string]common.Address{}, nil
	}
	if len(raw) > validatorMapMaxBytes {
		return nil, fmt.Errorf("VALIDATOR_ADDRESSES exceeds %d bytes", validatorMapMaxBytes)
	}
	return parseAddressMap(raw)
}

func parseAddressMap(raw string) (map[string]common.Address, error) {
	out := map[string]common.Address{}
	if raw == "" {
		return out, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON map: %w", err)
	}
	for k, v := range m {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid address %q for %q", v, k)
		}
		out[k] = common.HexToAddress(v)
	}
	return out, nil
}

func parseStringMap(raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON map: %w", err)
	}
	return out, nil
}

// parseFixed18 converts a decimal string to 18-decimal fixed point.
func parseFixed18(s string) (*big.Int, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("more than 18 fractional digits in %q", s)
	}
	frac = frac + strings.Repeat("0", 18-len(frac))
	w, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	w.Mul(w, big.NewInt(1e18))
	return w.Add(w, f), nil
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

func boolEnv(name string, def bool) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
