package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

const (
	validatorInterval    = 5 * time.Second
	validatorMaxAttempts = 5
)

// ValidationEntry is the in-memory retry state for one pending challenge.
// The validator is the single writer; the summary view reads snapshots.
type ValidationEntry struct {
	ChallengeId   string    `json:"challenge_id"`
	Domain        string    `json:"domain"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Validator is the background task probing pending HTTP-01 challenges.
// The entry map is shared with manual accepts and the summary view behind
// the lock; the loop is the only writer of attempt state.
type Validator struct {
	db       *database.Database
	client   *resty.Client
	interval time.Duration
	maxTries int

	mtx     sync.RWMutex
	entries map[string]*ValidationEntry

	stopCh   chan struct{}
	notifier *Notifier
}

// SetNotifier attaches the webhook notifier for exhausted challenges.
func (v *Validator) SetNotifier(n *Notifier) {
	v.notifier = n
}

func NewValidator(db *database.Database) *Validator {
	return &Validator{
		db:       db,
		client:   resty.New().SetTimeout(10 * time.Second),
		interval: validatorInterval,
		maxTries: validatorMaxAttempts,
		entries:  make(map[string]*ValidationEntry),
		stopCh:   make(chan struct{}),
	}
}

func (v *Validator) Start() {
	go v.run()
}

func (v *Validator) Stop() {
	close(v.stopCh)
}

func (v *Validator) run() {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			v.tick()
		}
	}
}

// Watch registers a pending challenge for background probing.
func (v *Validator) Watch(challengeId string, domain string) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.entries[challengeId] = &ValidationEntry{
		ChallengeId:   challengeId,
		Domain:        domain,
		MaxAttempts:   v.maxTries,
		NextAttemptAt: time.Now().Add(v.interval),
	}
}

// Clear drops a validation entry. Safe from any goroutine; the map is the
// validator's but reads and removals go through the lock.
func (v *Validator) Clear(challengeId string) {
	v.remove(challengeId)
}

func (v *Validator) remove(challengeId string) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	delete(v.entries, challengeId)
}

// Snapshot copies the current validation timers for the summary view.
func (v *Validator) Snapshot() []*ValidationEntry {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	out := make([]*ValidationEntry, 0, len(v.entries))
	for _, e := range v.entries {
		copied := *e
		out = append(out, &copied)
	}
	return out
}

func (v *Validator) tick() {
	now := time.Now()

	v.mtx.RLock()
	due := []*ValidationEntry{}
	for _, e := range v.entries {
		if !e.NextAttemptAt.After(now) {
			copied := *e
			due = append(due, &copied)
		}
	}
	v.mtx.RUnlock()

	for _, e := range due {
		v.attempt(e)
	}
}

func (v *Validator) attempt(e *ValidationEntry) {
	chall, err := v.db.GetAcmeChallenge(e.ChallengeId)
	if err != nil || chall.Status != database.StatusPending {
		v.remove(e.ChallengeId)
		return
	}
	authz, err := v.db.GetAcmeAuthz(chall.AuthzId)
	if err != nil {
		v.remove(e.ChallengeId)
		return
	}

	got, err := v.Probe(e.Domain, chall.Token)
	if err == nil && got == chall.KeyAuth {
		if err := v.MarkValid(chall, authz, ""); err != nil {
			log.Error("validator: %v", err)
			return
		}
		log.Success("validator: challenge %s for %s is valid", chall.Id, e.Domain)
		v.remove(e.ChallengeId)
		return
	}

	v.mtx.Lock()
	entry, ok := v.entries[e.ChallengeId]
	if !ok {
		v.mtx.Unlock()
		return
	}
	entry.Attempts++
	entry.NextAttemptAt = time.Now().Add(v.interval)
	exhausted := entry.Attempts >= entry.MaxAttempts
	v.mtx.Unlock()

	log.Debug("validator: attempt %d/%d for %s failed", entry.Attempts, v.maxTries, e.Domain)
	if exhausted {
		if err := v.markInvalid(chall, authz); err != nil {
			log.Error("validator: %v", err)
		}
		log.Warning("validator: challenge %s for %s exhausted its attempts", chall.Id, e.Domain)
		v.notifier.Notify("challenge.invalid", map[string]string{
			"challenge": chall.Id,
			"domain":    e.Domain,
		})
		v.remove(e.ChallengeId)
	}
}

// Probe fetches the key authorization from the claimant and returns the
// trimmed body.
func (v *Validator) Probe(domain string, token string) (string, error) {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", domain, token)
	resp, err := v.client.R().Get(url)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("GET %s returned %d", url, resp.StatusCode())
	}
	return strings.TrimSpace(string(resp.Body())), nil
}

// MarkValid transitions a challenge and its authorization to valid.
// acceptedAt is set for manual accepts.
func (v *Validator) MarkValid(chall *database.Challenge, authz *database.Authz, acceptedAt string) error {
	chall.Status = database.StatusValid
	chall.AcceptedAt = acceptedAt
	if err := v.db.UpdateAcmeChallenge(chall); err != nil {
		return err
	}
	authz.Status = database.StatusValid
	return v.db.UpdateAcmeAuthz(authz)
}

func (v *Validator) markInvalid(chall *database.Challenge, authz *database.Authz) error {
	chall.Status = database.StatusInvalid
	if err := v.db.UpdateAcmeChallenge(chall); err != nil {
		return err
	}
	authz.Status = database.StatusInvalid
	if err := v.db.UpdateAcmeAuthz(authz); err != nil {
		return err
	}
	if order, err := v.db.GetAcmeOrder(authz.OrderId); err == nil {
		order.Status = database.StatusInvalid
		return v.db.UpdateAcmeOrder(order)
	}
	return nil
}

// Accept forces a challenge and its authorization to valid and clears the
// validator entry.
func (v *Validator) Accept(challengeId string) error {
	chall, err := v.db.GetAcmeChallenge(challengeId)
	if err != nil {
		return NotFound("%v", err)
	}
	authz, err := v.db.GetAcmeAuthz(chall.AuthzId)
	if err != nil {
		return Internal("%v", err)
	}
	if err := v.MarkValid(chall, authz, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return Internal("%v", err)
	}
	v.Clear(challengeId)
	log.Important("manually accepted challenge %s for %s", challengeId, authz.Identifier.Value)
	return nil
}
