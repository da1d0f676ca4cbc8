package fraud

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Signal thresholds and weights. Weights sum to 1.0 when every signal is
// present; the scorer normalizes by the weights of exceeding signals only.
const (
	velocityThreshold = 5.0
	velocityWeight    = 0.3

	ipThreshold = 0.7
	ipWeight    = 0.4

	deviceThreshold = 0.6
	deviceWeight    = 0.2

	timeThreshold = 0.5
	timeWeight    = 0.1
)

// burstWindow is the lookback used for the rapid-succession time signal.
const burstWindow = 5 * time.Minute

// IPIntel supplies external reputation lookups for an IP address.
// Implementations must be cheap; the collector runs in the request path.
type IPIntel interface {
	IsProxyOrVPN(ctx context.Context, ip string) bool
	IsGeoInconsistent(ctx context.Context, customerID, ip string) bool
	IsFrequentlyChanging(ctx context.Context, customerID, ip string) bool
}

// NopIntel is an IPIntel that flags nothing. Used when no reputation
// provider is configured.
type NopIntel struct{}

func (NopIntel) IsProxyOrVPN(context.Context, string) bool            { return false }
func (NopIntel) IsGeoInconsistent(context.Context, string, string) bool { return false }
func (NopIntel) IsFrequentlyChanging(context.Context, string, string) bool {
	return false
}

// Collector gathers raw risk signals from request context. Pure read:
// it never writes to the store.
type Collector struct {
	store Store
	intel IPIntel
	now   func() time.Time
}

// NewCollector creates a signal collector backed by the given store.
func NewCollector(store Store, intel IPIntel) *Collector {
	if intel == nil {
		intel = NopIntel{}
	}
	return &Collector{store: store, intel: intel, now: time.Now}
}

// WithClock overrides the collector's clock (for tests).
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect produces the fraud signals for one request.
func (c *Collector) Collect(ctx context.Context, req *Request) []Signal {
	signals := make([]Signal, 0, 4)

	if req.CustomerID != "" {
		velocity := c.paymentVelocity(ctx, req.CustomerID)
		signals = append(signals, Signal{
			Type:        SignalPaymentVelocity,
			Value:       velocity,
			Threshold:   velocityThreshold,
			Weight:      velocityWeight,
			Description: fmt.Sprintf("payments in last hour: %.0f", velocity),
		})
	}

	if req.IPAddress != "" {
		ipRisk := c.ipRiskScore(ctx, req.CustomerID, req.IPAddress)
		signals = append(signals, Signal{
			Type:        SignalIPReputation,
			Value:       ipRisk,
			Threshold:   ipThreshold,
			Weight:      ipWeight,
			Description: fmt.Sprintf("ip risk score: %.2f", ipRisk),
		})
	}

	if req.DeviceFingerprint != "" {
		deviceRisk := deviceRiskScore(req.DeviceFingerprint)
		signals = append(signals, Signal{
			Type:        SignalDeviceRisk,
			Value:       deviceRisk,
			Threshold:   deviceThreshold,
			Weight:      deviceWeight,
			Description: fmt.Sprintf("device risk: %.2f", deviceRisk),
		})
	}

	timeRisk := c.timePatternScore(ctx, req.CustomerID)
	signals = append(signals, Signal{
		Type:        SignalTimePattern,
		Value:       timeRisk,
		Threshold:   timeThreshold,
		Weight:      timeWeight,
		Description: fmt.Sprintf("time pattern risk: %.2f", timeRisk),
	})

	return signals
}

// paymentVelocity counts the customer's attempts in the trailing hour.
func (c *Collector) paymentVelocity(ctx context.Context, customerID string) float64 {
	count, err := c.store.CountAttempts(ctx, customerID, c.now().Add(-time.Hour))
	if err != nil {
		return 0.0
	}
	return float64(count)
}

// ipRiskScore scores an IP address. Private addresses are low risk; proxy,
// VPN, geographic inconsistency, and churn each add to the score.
// Lookup errors resolve to medium risk rather than silently allowing.
func (c *Collector) ipRiskScore(ctx context.Context, customerID, ipAddress string) float64 {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return 0.5 // unparseable = medium risk
	}
	if ip.IsPrivate() || ip.IsLoopback() {
		return 0.1
	}

	risk := 0.0
	if c.intel.IsFrequentlyChanging(ctx, customerID, ipAddress) {
		risk += 0.3
	}
	if c.intel.IsGeoInconsistent(ctx, customerID, ipAddress) {
		risk += 0.4
	}
	if c.intel.IsProxyOrVPN(ctx, ipAddress) {
		risk += 0.5
	}
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}

// automationIndicators are substrings in device fingerprints that suggest
// scripted traffic.
var automationIndicators = []string{"selenium", "phantomjs", "headless", "automation"}

// deviceRiskScore applies keyword heuristics against a device fingerprint.
func deviceRiskScore(fingerprint string) float64 {
	fp := strings.ToLower(fingerprint)

	risk := 0.0
	if strings.Contains(fp, "bot") || strings.Contains(fp, "crawler") {
		risk += 0.8
	}
	for _, indicator := range automationIndicators {
		if strings.Contains(fp, indicator) {
			risk += 0.7
			break
		}
	}
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}

// timePatternScore is elevated during low-traffic hours (02:00-06:00 UTC)
// and further elevated when more than 3 attempts land within 5 minutes.
func (c *Collector) timePatternScore(ctx context.Context, customerID string) float64 {
	now := c.now().UTC()

	if customerID != "" {
		recent, err := c.store.CountAttempts(ctx, customerID, now.Add(-burstWindow))
		if err == nil && recent > 3 {
			return 0.8
		}
	}

	if hour := now.Hour(); hour >= 2 && hour <= 6 {
		return 0.6
	}
	return 0.1
}
