package application

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/atvirokodosprendimai/organledger/internal/adapters/db/gormdb"
	"github.com/atvirokodosprendimai/organledger/internal/adapters/ledger/embedded"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

const emergencyPassword = "break-glass-2026"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyLedger fails submits of selected functions a given number of times.
// A negative count fails forever.
type faultyLedger struct {
	domain.Ledger
	mu    sync.Mutex
	fails map[string]int
}

func (l *faultyLedger) failNext(function string, times int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails[function] = times
}

func (l *faultyLedger) Submit(ctx context.Context, category domain.LedgerCategory, function string, params any) (domain.LedgerReceipt, error) {
	l.mu.Lock()
	n := l.fails[function]
	if n != 0 {
		if n > 0 {
			l.fails[function] = n - 1
		}
		l.mu.Unlock()
		return domain.LedgerReceipt{}, fmt.Errorf("peer unreachable while submitting %s", function)
	}
	l.mu.Unlock()
	return l.Ledger.Submit(ctx, category, function, params)
}

type failingSink struct{ calls int }

func (s *failingSink) Notify(context.Context, domain.Notification) error {
	s.calls++
	return errors.New("broker down")
}

type testEnv struct {
	repo    *gormdb.Repository
	chain   *embedded.Ledger
	ledger  *faultyLedger
	clock   *clock
	metrics *Metrics
	rec     *Reconciler
	svc     *Service
	alloc   *AllocationService
	gov     *GovernanceService
	exec    *ExecutionService
}

type envOption func(*Deps, *embedded.Options)

func withNotifier(n domain.NotificationSink) envOption {
	return func(d *Deps, _ *embedded.Options) { d.Notifier = n }
}

func withStaleReads(n int) envOption {
	return func(_ *Deps, o *embedded.Options) { o.StaleReads = n }
}

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := gormdb.Open(gormdb.DriverSQLite, filepath.Join(t.TempDir(), "organledger_test.db"))
	require.NoError(t, err)
	require.NoError(t, gormdb.RunMigrations(ctx, db, nil))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clk := &clock{now: t0}
	repo := gormdb.NewRepository(db)
	deps := Deps{Repo: repo, Metrics: NewMetrics(nil), Now: clk.Now}
	ledgerOpts := embedded.Options{Now: clk.Now}
	for _, opt := range opts {
		opt(&deps, &ledgerOpts)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewStoreSink(repo)
	}

	chain, err := embedded.Open("", ledgerOpts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })
	faulty := &faultyLedger{Ledger: chain, fails: map[string]int{}}
	deps.Ledger = faulty

	hash, err := bcrypt.GenerateFromPassword([]byte(emergencyPassword), bcrypt.MinCost)
	require.NoError(t, err)

	rec := NewReconciler(deps, RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, Multiplier: 2})
	return &testEnv{
		repo:    repo,
		chain:   chain,
		ledger:  faulty,
		clock:   clk,
		metrics: deps.Metrics,
		rec:     rec,
		svc:     NewService(deps, rec),
		alloc:   NewAllocationService(deps, rec, DefaultAllocationConfig()),
		gov:     NewGovernanceService(deps, rec, GovernanceConfig{EmergencyPasswordHash: string(hash)}),
		exec:    NewExecutionService(deps, rec, DefaultExecutionConfig()),
	}
}

func (e *testEnv) recipient(t *testing.T, id string, organ domain.OrganType, blood domain.BloodType, urgency, medical int, waited time.Duration) domain.Recipient {
	t.Helper()
	r, err := e.svc.RegisterRecipient(context.Background(), RegisterRecipientInput{
		RecipientID:  id,
		FullName:     "Patient " + id,
		OrganType:    string(organ),
		BloodType:    string(blood),
		UrgencyLevel: urgency,
		MedicalScore: medical,
		RegisteredAt: e.clock.Now().Add(-waited),
	})
	require.NoError(t, err)
	return r
}

func (e *testEnv) organ(t *testing.T, id string, organ domain.OrganType, blood domain.BloodType, hours int) domain.Organ {
	t.Helper()
	o, err := e.svc.RegisterOrgan(context.Background(), RegisterOrganInput{
		OrganID:        id,
		OrganType:      string(organ),
		BloodType:      string(blood),
		HarvestedAt:    e.clock.Now(),
		ViabilityHours: hours,
	})
	require.NoError(t, err)
	return o
}

func (e *testEnv) member(t *testing.T, identity string, power int) {
	t.Helper()
	_, err := e.svc.RegisterMember(context.Background(), identity, domain.RoleDoctor, power, true)
	require.NoError(t, err)
}

// council registers three doctors holding 5, 3 and 2 voting power.
func (e *testEnv) council(t *testing.T) {
	t.Helper()
	e.member(t, "dr.a@clinic.example", 5)
	e.member(t, "dr.b@clinic.example", 3)
	e.member(t, "dr.c@clinic.example", 2)
}

func (e *testEnv) urgencyProposal(t *testing.T, target string, level int, urgency domain.ProposalUrgency) domain.Proposal {
	t.Helper()
	p, err := e.gov.CreateProposal(context.Background(), "dr.a@clinic.example", CreateProposalInput{
		Type:              string(domain.ProposalUrgencyUpdate),
		Urgency:           string(urgency),
		TargetRecipientID: target,
		ProposedValue:     fmt.Sprint(level),
		Justification:     "deteriorating renal function over the last two weeks",
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) vote(t *testing.T, id uint, voter string, choice domain.VoteChoice) domain.Proposal {
	t.Helper()
	p, err := e.gov.CastVote(context.Background(), id, voter, string(choice), "")
	require.NoError(t, err)
	return p
}

// approved walks an urgency proposal for target through a passing vote.
func (e *testEnv) approved(t *testing.T, target string, level int) domain.Proposal {
	t.Helper()
	p := e.urgencyProposal(t, target, level, domain.UrgencyStandard)
	e.vote(t, p.ID, "dr.a@clinic.example", domain.VoteFor)
	e.vote(t, p.ID, "dr.b@clinic.example", domain.VoteFor)
	e.clock.Advance(7*24*time.Hour + time.Minute)
	res, err := e.gov.Finalize(context.Background(), p.ID, "dr.a@clinic.example")
	require.NoError(t, err)
	require.Equal(t, domain.ProposalApproved, res.Status)
	return res.Proposal
}
