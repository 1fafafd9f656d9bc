package commitsync

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/commitsync/internal/graph"
)

const (
	// MaxSubscriptionLifetime is the longest expiry the task service
	// accepts for a task change subscription.
	MaxSubscriptionLifetime = 4230 * time.Minute
	DefaultRenewalInterval  = 24 * time.Hour
	DefaultRenewalJitter    = 0.1
)

type SubscriptionService interface {
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (graph.Subscription, error)
}

// LeaseSource yields the subscription ids to keep alive. It is read on
// every pass so reloads take effect without a restart.
type LeaseSource interface {
	LeaseIDs() []string
}

// StaticLeases is a fixed LeaseSource.
type StaticLeases []string

func (s StaticLeases) LeaseIDs() []string {
	return append([]string(nil), s...)
}

type RenewReport struct {
	StartedAt time.Time         `json:"startedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Renewed   []string          `json:"renewed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (r RenewReport) OK() bool {
	return len(r.Failed) == 0
}

type RenewerOptions struct {
	Subscriptions SubscriptionService
	Leases        LeaseSource
	MaxLifetime   time.Duration
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Renewer extends every configured subscription to the maximum lifetime.
type Renewer struct {
	subs        SubscriptionService
	leases      LeaseSource
	maxLifetime time.Duration
	logger      *slog.Logger
	clock       func() time.Time

	mu   sync.Mutex
	last *RenewReport
}

func NewRenewer(opts RenewerOptions) *Renewer {
	maxLifetime := opts.MaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = MaxSubscriptionLifetime
	}
	leases := opts.Leases
	if leases == nil {
		leases = StaticLeases(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Renewer{subs: opts.Subscriptions, leases: leases, maxLifetime: maxLifetime, logger: logger, clock: clock}
}

func (r *Renewer) Leases() []string {
	return normalizeLeaseIDs(r.leases.LeaseIDs())
}

// LastReport returns the most recent pass, if any.
func (r *Renewer) LastReport() (RenewReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return RenewReport{}, false
	}
	return *r.last, true
}

// RenewAll renews each lease independently. One failure never stops the
// rest.
func (r *Renewer) RenewAll(ctx context.Context) RenewReport {
	now := r.clock().UTC()
	report := RenewReport{StartedAt: now, ExpiresAt: now.Add(r.maxLifetime), Renewed: []string{}}
	for _, id := range r.Leases() {
		if err := ctx.Err(); err != nil {
			report.fail(id, err)
			continue
		}
		if _, err := r.subs.RenewSubscription(ctx, id, report.ExpiresAt); err != nil {
			r.logger.Error("subscription renewal failed", "lease_id", id, "error", err)
			report.fail(id, err)
			continue
		}
		r.logger.Info("subscription renewed", "lease_id", id, "expires_at", report.ExpiresAt)
		report.Renewed = append(report.Renewed, id)
	}
	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()
	return report
}

func (r *RenewReport) fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = map[string]string{}
	}
	r.Failed[id] = err.Error()
}

// Run renews right away and then on a jittered interval until ctx ends.
func (r *Renewer) Run(ctx context.Context, interval time.Duration, jitter float64) error {
	if err := ValidateRenewalSchedule(interval, r.maxLifetime); err != nil {
		return err
	}
	r.RenewAll(ctx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("subscription renewer stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			r.RenewAll(ctx)
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

// ValidateRenewalSchedule requires room for one missed renewal: two
// intervals must fit inside the lease lifetime.
func ValidateRenewalSchedule(interval, maxLifetime time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: renewal interval must be positive", ErrInvalidInput)
	}
	if maxLifetime <= 0 {
		return fmt.Errorf("%w: lease lifetime must be positive", ErrInvalidInput)
	}
	if 2*interval >= maxLifetime {
		return fmt.Errorf("%w: renewal interval %s leaves no slack in lease lifetime %s", ErrInvalidInput, interval, maxLifetime)
	}
	return nil
}

func normalizeLeaseIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to jitterRatio in either
// direction; sample in [0,1] picks the point.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
