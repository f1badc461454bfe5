package gormdb

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "organledger_test.db")

	db, err := Open(DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := RunMigrations(ctx, db, nil); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func confirmWith(txID string) domain.LedgerConfirm {
	return func(context.Context) (string, error) { return txID, nil }
}

func seedAllocation(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.CreateOrgan(ctx, domain.Organ{
		OrganID: "K-100", OrganType: domain.OrganKidney, BloodType: domain.BloodOMinus,
		HarvestedAt: base, ViabilityHours: 36, ExpiresAt: base.Add(36 * time.Hour),
	}, confirmWith("tx-organ")); err != nil {
		t.Fatalf("create organ: %v", err)
	}
	for _, id := range []string{"R-1", "R-2"} {
		if _, err := repo.CreateRecipient(ctx, domain.Recipient{
			RecipientID: id, OrganType: domain.OrganKidney, BloodType: domain.BloodAPlus,
			UrgencyLevel: 3, RegisteredAt: base.Add(-48 * time.Hour),
		}, confirmWith("tx-"+id)); err != nil {
			t.Fatalf("create recipient %s: %v", id, err)
		}
	}
}

func match(organID, recipientID, id string) (domain.Match, domain.Appointment) {
	return domain.Match{
			ID: id, OrganID: organID, RecipientID: recipientID,
			Score:     domain.ScoreBreakdown{UrgencyScore: 30, Total: 30, Compatible: true},
			ExpiresAt: base.Add(36 * time.Hour),
		}, domain.Appointment{
			ID: "appt-" + id, ScheduledAt: base.Add(3 * time.Hour),
		}
}

func TestRunMigrationsLogsThroughSlog(t *testing.T) {
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "migrate_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	if err := RunMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"component":"migrations"`) {
		t.Fatalf("expected migration output in slog stream, got %q", out)
	}
	if !strings.Contains(out, "successfully migrated") {
		t.Fatalf("expected goose completion message, got %q", out)
	}
}

func TestCommitAllocationRollsBackWhenLedgerFails(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAllocation(t, repo)

	m, a := match("K-100", "R-1", "m-1")
	ledgerDown := errors.New("ledger unreachable")
	_, _, err := repo.CommitAllocation(ctx, m, a, base.Add(time.Hour), func(context.Context) (string, error) {
		return "", ledgerDown
	})
	if !errors.Is(err, ledgerDown) {
		t.Fatalf("expected ledger error, got %v", err)
	}

	organ, err := repo.GetOrgan(ctx, "K-100")
	if err != nil {
		t.Fatalf("get organ: %v", err)
	}
	if organ.Status != domain.OrganAvailable || organ.AllocatedTo != nil {
		t.Fatalf("organ should stay available, got %+v", organ)
	}
	recipient, err := repo.GetRecipient(ctx, "R-1")
	if err != nil {
		t.Fatalf("get recipient: %v", err)
	}
	if recipient.Matched {
		t.Fatalf("recipient should stay unmatched")
	}
	if _, err := repo.GetMatch(ctx, "m-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no match row, got %v", err)
	}
}

func TestCommitAllocationGuards(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAllocation(t, repo)

	m, a := match("K-100", "R-1", "m-1")
	got, appt, err := repo.CommitAllocation(ctx, m, a, base.Add(time.Hour), confirmWith("tx-alloc"))
	if err != nil {
		t.Fatalf("commit allocation: %v", err)
	}
	if got.Status != domain.MatchPending || got.LedgerTxID != "tx-alloc" {
		t.Fatalf("unexpected match %+v", got)
	}
	if appt.Status != domain.AppointmentScheduled || appt.MatchID != "m-1" {
		t.Fatalf("unexpected appointment %+v", appt)
	}

	m2, a2 := match("K-100", "R-2", "m-2")
	if _, _, err := repo.CommitAllocation(ctx, m2, a2, base.Add(time.Hour), confirmWith("tx-2")); !errors.Is(err, domain.ErrOrganUnavailable) {
		t.Fatalf("expected organ unavailable, got %v", err)
	}

	recipient, _ := repo.GetRecipient(ctx, "R-1")
	if !recipient.Matched || recipient.MatchedOrganID == nil || *recipient.MatchedOrganID != "K-100" {
		t.Fatalf("recipient should be matched to K-100, got %+v", recipient)
	}

	if _, err := repo.CreateOrgan(ctx, domain.Organ{
		OrganID: "K-200", OrganType: domain.OrganKidney, BloodType: domain.BloodOMinus,
		HarvestedAt: base, ViabilityHours: 36, ExpiresAt: base.Add(36 * time.Hour),
	}, nil); err != nil {
		t.Fatalf("create organ: %v", err)
	}
	m3, a3 := match("K-200", "R-1", "m-3")
	if _, _, err := repo.CommitAllocation(ctx, m3, a3, base.Add(time.Hour), confirmWith("tx-3")); !errors.Is(err, domain.ErrRecipientUnavailable) {
		t.Fatalf("expected recipient unavailable, got %v", err)
	}
	organ, _ := repo.GetOrgan(ctx, "K-200")
	if organ.Status != domain.OrganAvailable {
		t.Fatalf("losing recipient guard must roll back the organ flip, got %s", organ.Status)
	}

	m4, a4 := match("K-200", "R-2", "m-4")
	if _, _, err := repo.CommitAllocation(ctx, m4, a4, base.Add(40*time.Hour), confirmWith("tx-4")); !errors.Is(err, domain.ErrOrganUnavailable) {
		t.Fatalf("expired organ must not allocate, got %v", err)
	}
}

func TestRejectMatchRestoresOrganAndRecipient(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAllocation(t, repo)

	m, a := match("K-100", "R-1", "m-1")
	if _, _, err := repo.CommitAllocation(ctx, m, a, base.Add(time.Hour), confirmWith("tx-alloc")); err != nil {
		t.Fatalf("commit allocation: %v", err)
	}
	if _, err := repo.AcceptMatch(ctx, "m-1", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("accept match: %v", err)
	}
	rejected, err := repo.RejectMatch(ctx, "m-1", "positive crossmatch", base.Add(3*time.Hour), confirmWith("tx-release"))
	if err != nil {
		t.Fatalf("reject match: %v", err)
	}
	if rejected.Status != domain.MatchRejected {
		t.Fatalf("expected REJECTED, got %s", rejected.Status)
	}

	organ, _ := repo.GetOrgan(ctx, "K-100")
	if organ.Status != domain.OrganAvailable || organ.AllocatedTo != nil || organ.RejectionReason != "positive crossmatch" {
		t.Fatalf("organ not restored: %+v", organ)
	}
	recipient, _ := repo.GetRecipient(ctx, "R-1")
	if recipient.Matched || recipient.MatchedOrganID != nil {
		t.Fatalf("recipient not restored: %+v", recipient)
	}
	appt, err := repo.GetAppointment(ctx, "appt-m-1")
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if appt.Status != domain.AppointmentCancelled {
		t.Fatalf("appointment should be cancelled, got %s", appt.Status)
	}

	if _, err := repo.CompleteMatch(ctx, "m-1", base.Add(4*time.Hour)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExpireOrgansOnlyTouchesAvailable(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAllocation(t, repo)

	expired, err := repo.ExpireOrgans(ctx, base.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("expire organs: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("nothing should expire yet, got %v", expired)
	}
	expired, err = repo.ExpireOrgans(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("expire organs: %v", err)
	}
	if len(expired) != 1 || expired[0] != "K-100" {
		t.Fatalf("expected K-100 to expire, got %v", expired)
	}
	if _, err := repo.RejectOrgan(ctx, "K-100", "damaged"); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("expected precondition error rejecting an expired organ, got %v", err)
	}
}

func seedProposal(t *testing.T, repo *Repository, voters int) domain.Proposal {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.CreateRecipient(ctx, domain.Recipient{
		RecipientID: "R-9", OrganType: domain.OrganLiver, BloodType: domain.BloodBPlus, UrgencyLevel: 2, RegisteredAt: base,
	}, nil); err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	for i := 0; i < voters; i++ {
		if _, err := repo.CreateMember(ctx, domain.Member{
			Identity: voterName(i), Role: domain.RoleDoctor, VotingPower: 5, Authorized: true,
		}); err != nil {
			t.Fatalf("create member: %v", err)
		}
	}
	total, err := repo.TotalVotingPower(ctx)
	if err != nil {
		t.Fatalf("total voting power: %v", err)
	}
	p, err := repo.CreateProposal(ctx, domain.Proposal{
		Type: domain.ProposalUrgencyUpdate, Urgency: domain.UrgencyStandard,
		TargetRecipientID: "R-9", CurrentValue: "2", ProposedValue: "4",
		Justification: "deteriorating liver function since admission",
		CreatedBy:     voterName(0), CreatedAt: base, VotingDeadline: base.Add(7 * 24 * time.Hour),
		TotalVotingPower: total, QuorumRequired: 20, ApprovalThreshold: 60,
	}, func(_ context.Context, p domain.Proposal) (string, error) {
		if p.ID == 0 {
			t.Fatalf("confirm must see the assigned id")
		}
		return "tx-proposal", nil
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p
}

func voterName(i int) string {
	return string(rune('a'+i)) + "@clinic.example"
}

func TestRecordVoteAcceptsExactlyOneConcurrentDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProposal(t, repo, 2)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.RecordVote(ctx, domain.Vote{
				ProposalID: p.ID, Voter: voterName(1), Choice: domain.VoteFor, Power: 5, CastAt: base.Add(time.Hour),
			}, confirmWith("tx-vote"))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, domain.ErrAlreadyVoted):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one vote to succeed, got %d", ok)
	}

	got, err := repo.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.VotesFor != 5 || len(got.Votes) != 1 {
		t.Fatalf("expected one FOR vote of power 5, got %d votes and %d for", len(got.Votes), got.VotesFor)
	}
	member, _ := repo.GetMember(ctx, voterName(1))
	if member.VotesCast != 1 {
		t.Fatalf("expected votes cast 1, got %d", member.VotesCast)
	}
}

func TestRecordVoteRefusals(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProposal(t, repo, 2)

	late := domain.Vote{ProposalID: p.ID, Voter: voterName(0), Choice: domain.VoteAgainst, Power: 5, CastAt: p.VotingDeadline}
	if _, err := repo.RecordVote(ctx, late, nil); !errors.Is(err, domain.ErrVotingClosed) {
		t.Fatalf("expected voting closed, got %v", err)
	}

	heavy := domain.Vote{ProposalID: p.ID, Voter: voterName(0), Choice: domain.VoteFor, Power: 11, CastAt: base.Add(time.Hour)}
	if _, err := repo.RecordVote(ctx, heavy, nil); !errors.Is(err, domain.ErrVotingPowerExceeded) {
		t.Fatalf("expected voting power exceeded, got %v", err)
	}

	failing := domain.Vote{ProposalID: p.ID, Voter: voterName(0), Choice: domain.VoteFor, Power: 5, CastAt: base.Add(time.Hour)}
	if _, err := repo.RecordVote(ctx, failing, func(context.Context) (string, error) {
		return "", domain.LedgerFailure(domain.FnCastVote, errors.New("timeout"))
	}); !errors.Is(err, domain.ErrLedger) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	got, _ := repo.GetProposal(ctx, p.ID)
	if got.VotesCast() != 0 || len(got.Votes) != 0 {
		t.Fatalf("failed ledger write must leave no vote, got %+v", got)
	}
}

func TestExecutionLeaseAndMarkExecuted(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProposal(t, repo, 1)

	if _, err := repo.ClaimExecution(ctx, p.ID, base, time.Minute); !errors.Is(err, domain.ErrNotApproved) {
		t.Fatalf("active proposal cannot be claimed, got %v", err)
	}

	finalizedAt := p.VotingDeadline.Add(time.Minute)
	if _, err := repo.FinalizeProposal(ctx, p.ID, domain.ProposalOutcome{
		Status: domain.ProposalApproved, FinalizedBy: voterName(0), FinalizedAt: finalizedAt,
	}, confirmWith("tx-final")); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := repo.FinalizeProposal(ctx, p.ID, domain.ProposalOutcome{Status: domain.ProposalRejected, FinalizedAt: finalizedAt}, nil); !errors.Is(err, domain.ErrProposalNotActive) {
		t.Fatalf("second finalize must fail, got %v", err)
	}

	now := finalizedAt.Add(time.Hour)
	if _, err := repo.ClaimExecution(ctx, p.ID, now, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := repo.ClaimExecution(ctx, p.ID, now.Add(10*time.Second), time.Minute); !errors.Is(err, domain.ErrExecutionInProgress) {
		t.Fatalf("expected execution in progress, got %v", err)
	}
	if _, err := repo.ClaimExecution(ctx, p.ID, now.Add(2*time.Minute), time.Minute); err != nil {
		t.Fatalf("stale claim should be taken over: %v", err)
	}

	if err := repo.ReleaseExecution(ctx, p.ID, "ledger timeout"); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, _ := repo.GetProposal(ctx, p.ID)
	if released.ExecutionClaimedAt != nil || released.ExecutionError != "ledger timeout" {
		t.Fatalf("release did not persist: %+v", released)
	}

	executed, err := repo.MarkExecuted(ctx, p.ID, voterName(0), now.Add(5*time.Minute), confirmWith("tx-exec"))
	if err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if executed.Status != domain.ProposalExecuted || executed.ExecutionTxID != "tx-exec" || executed.ExecutionError != "" {
		t.Fatalf("unexpected executed proposal %+v", executed)
	}
	if _, err := repo.ClaimExecution(ctx, p.ID, now.Add(time.Hour), time.Minute); !errors.Is(err, domain.ErrAlreadyExecuted) {
		t.Fatalf("expected already executed, got %v", err)
	}
}

func TestApplyUrgencyChangeRecordsHistoryAndActionTx(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProposal(t, repo, 1)

	proposalID := p.ID
	updated, err := repo.ApplyUrgencyChange(ctx, domain.UrgencyChange{
		RecipientID: "R-9", NewLevel: 4, ChangedBy: voterName(0), Reason: p.Justification,
		ProposalID: &proposalID, ChangedAt: base.Add(time.Hour),
	}, nil, confirmWith("tx-urgency"))
	if err != nil {
		t.Fatalf("apply urgency change: %v", err)
	}
	if updated.UrgencyLevel != 4 || len(updated.UrgencyHistory) != 1 {
		t.Fatalf("unexpected recipient %+v", updated)
	}
	h := updated.UrgencyHistory[0]
	if h.OldLevel != 2 || h.NewLevel != 4 || h.LedgerTxID != "tx-urgency" {
		t.Fatalf("unexpected history entry %+v", h)
	}
	got, _ := repo.GetProposal(ctx, p.ID)
	if got.ActionTxID != "tx-urgency" {
		t.Fatalf("expected action tx id to be recorded, got %q", got.ActionTxID)
	}

	if _, err := repo.DeactivateRecipient(ctx, domain.RecipientRemoval{ProposalID: p.ID, RecipientID: "R-9", Reason: "moved abroad"}, base.Add(2*time.Hour), nil); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := repo.ApplyUrgencyChange(ctx, domain.UrgencyChange{RecipientID: "R-9", NewLevel: 5, ChangedAt: base.Add(3 * time.Hour)}, nil, nil); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("inactive recipient must refuse urgency changes, got %v", err)
	}
	waiting, err := repo.ListWaitingRecipients(ctx, domain.OrganLiver)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 0 {
		t.Fatalf("removed recipient must not be waiting, got %d", len(waiting))
	}
}

func TestDuplicateRegistrationsArePreconditionErrors(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAllocation(t, repo)

	_, err := repo.CreateRecipient(ctx, domain.Recipient{
		RecipientID: "R-1", OrganType: domain.OrganKidney, BloodType: domain.BloodAPlus, UrgencyLevel: 1, RegisteredAt: base,
	}, confirmWith("tx"))
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	_, err = repo.CreateOrgan(ctx, domain.Organ{
		OrganID: "K-100", OrganType: domain.OrganKidney, BloodType: domain.BloodOMinus, HarvestedAt: base, ExpiresAt: base.Add(time.Hour),
	}, nil)
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestAuthPermissionsAndAudit(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	user, err := repo.CreateUser(ctx, domain.User{Email: " Admin@Clinic.Example ", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Email != "admin@clinic.example" {
		t.Fatalf("email should be normalized, got %q", user.Email)
	}
	roleID, err := repo.CreateRoleIfMissing(ctx, "admin", "Administrator")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	for _, key := range []string{"registry.read", "registry.write"} {
		permID, err := repo.CreatePermissionIfMissing(ctx, key)
		if err != nil {
			t.Fatalf("create permission: %v", err)
		}
		if err := repo.GrantPermissionToRole(ctx, roleID, permID); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	if err := repo.AssignRoleToUser(ctx, user.ID, roleID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	perms, err := repo.GetPermissionsByUserID(ctx, user.ID)
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected 2 permissions, got %v", perms)
	}

	if err := repo.CreateAuditLog(ctx, domain.AuditLog{ActorUserID: &user.ID, Action: "organ.register", TargetType: "organ", TargetID: "K-1"}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	logs, err := repo.ListAuditLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 1 || logs[0].TargetID != "K-1" || logs[0].ActorUserEmail != user.Email {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

func TestNotificationsKeepData(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	err := repo.CreateNotification(ctx, domain.Notification{
		ID: "n-1", Scope: domain.ScopeRecipient, Audience: "R-1", Kind: "proposal.executed",
		Title: "Urgency updated", Data: map[string]any{"proposal_id": 7}, CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	got, err := repo.ListNotifications(ctx, domain.ScopeRecipient, "R-1", 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(got) != 1 || got[0].Data["proposal_id"] != float64(7) {
		t.Fatalf("unexpected notifications %+v", got)
	}
}
