// Package credpool load-balances outbound calls over a set of equivalent API
// credentials and tracks their health and rate-limit cool-downs.
package credpool

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/metrics"
	"EnrollDispatch/internal/models"
)

const DefaultCooldown = 60 * time.Second

type Pool struct {
	mu          sync.Mutex
	creds       []*models.Credential
	index       map[string]int
	cursor      int
	initialized bool

	cooldown time.Duration
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithDefaultCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l }
}

func New(opts ...Option) *Pool {
	p := &Pool{
		cooldown: DefaultCooldown,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(zap.String("component", "credential-pool"))
	return p
}

// Initialize loads the credentials in configuration order. Calling it again
// after a successful load is a no-op.
func (p *Pool) Initialize(secrets []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	creds := make([]*models.Credential, 0, len(secrets))
	index := make(map[string]int, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id := fmt.Sprintf("key-%d", len(creds)+1)
		index[id] = len(creds)
		creds = append(creds, &models.Credential{
			ID:       id,
			Secret:   s,
			IsActive: true,
			Health:   models.HealthUnknown,
		})
	}
	if len(creds) == 0 {
		return fmt.Errorf("%w: credential pool needs at least one credential", dispatcherr.ErrConfiguration)
	}

	p.creds = creds
	p.index = index
	p.cursor = 0
	p.initialized = true

	p.log.Info("credential pool initialized", zap.Int("keys", len(creds)))
	return nil
}

// Next returns the next credential in round-robin order whose cool-down has
// expired. When every credential is cooling down the credential at the cursor
// is returned anyway and the caller must expect the call to fail. The cursor
// advances once per call whatever the outcome.
func (p *Pool) Next() (models.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return models.Credential{}, fmt.Errorf("%w: credential pool not initialized", dispatcherr.ErrConfiguration)
	}

	now := p.now()
	n := len(p.creds)
	start := p.cursor
	p.cursor = (p.cursor + 1) % n

	for i := 0; i < n; i++ {
		c := p.creds[(start+i)%n]
		if p.eligible(c, now) {
			return *c, nil
		}
	}

	c := p.creds[start]
	p.log.Warn("no usable credential, returning cooling-down credential",
		zap.String("credential", c.ID),
	)
	return *c, nil
}

// eligible clears an expired cool-down as a side effect. Callers hold p.mu.
func (p *Pool) eligible(c *models.Credential, now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.RateLimitedUntil == nil {
		return true
	}
	if c.CoolingDown(now) {
		return false
	}
	c.RateLimitedUntil = nil
	if c.Health == models.HealthRateLimited {
		c.Health = models.HealthUnknown
	}
	return true
}

func (p *Pool) RecordSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.lookup(id)
	if c == nil {
		return
	}
	now := p.now()
	c.UsageCount++
	c.ErrorCount = 0
	c.RateLimitedUntil = nil
	c.Health = models.HealthHealthy
	c.LastUsedAt = &now
}

// RecordFailure records a failed call with the default cool-down.
func (p *Pool) RecordFailure(id string, err error) {
	p.RecordFailureWithBackoff(id, err, p.cooldown)
}

// RecordFailureWithBackoff records a failed call. A rate-limit error starts a
// cool-down of d, replacing any window already open for the credential.
func (p *Pool) RecordFailureWithBackoff(id string, err error, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.lookup(id)
	if c == nil {
		return
	}
	if d <= 0 {
		d = p.cooldown
	}

	now := p.now()
	c.ErrorCount++
	c.LastUsedAt = &now

	if !dispatcherr.IsRateLimited(err) {
		c.Health = models.HealthDegraded
		return
	}

	until := now.Add(d)
	c.Health = models.HealthRateLimited
	c.RateLimitedUntil = &until
	metrics.CredentialRateLimited.WithLabelValues(c.ID).Inc()

	p.log.Warn("credential rate limited",
		zap.String("credential", c.ID),
		zap.Time("until", until),
		zap.Error(err),
	)
}

func (p *Pool) lookup(id string) *models.Credential {
	i, ok := p.index[id]
	if !ok {
		return nil
	}
	return p.creds[i]
}

// Stats returns an aggregate view of the pool. Cool-downs that already ended
// are reported as not rate limited.
func (p *Pool) Stats() models.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := models.PoolSnapshot{
		TotalKeys:   len(p.creds),
		PerKeyUsage: make(map[string]models.KeyUsage, len(p.creds)),
	}

	now := p.now()
	for _, c := range p.creds {
		health := c.Health
		if health == models.HealthRateLimited && !c.CoolingDown(now) {
			health = models.HealthUnknown
		}

		switch health {
		case models.HealthHealthy:
			snap.HealthyKeys++
		case models.HealthDegraded:
			snap.DegradedKeys++
		case models.HealthRateLimited:
			snap.RateLimitedKeys++
		default:
			snap.UnknownKeys++
		}

		snap.TotalUsage += c.UsageCount
		snap.TotalErrors += c.ErrorCount
		snap.PerKeyUsage[c.ID] = models.KeyUsage{
			Health:     health,
			UsageCount: c.UsageCount,
			ErrorCount: c.ErrorCount,
		}
	}

	metrics.CredentialKeys.WithLabelValues(string(models.HealthHealthy)).Set(float64(snap.HealthyKeys))
	metrics.CredentialKeys.WithLabelValues(string(models.HealthDegraded)).Set(float64(snap.DegradedKeys))
	metrics.CredentialKeys.WithLabelValues(string(models.HealthRateLimited)).Set(float64(snap.RateLimitedKeys))
	metrics.CredentialKeys.WithLabelValues(string(models.HealthUnknown)).Set(float64(snap.UnknownKeys))

	return snap
}
