package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/organledger/internal/adapters/db/gormdb"
	"github.com/atvirokodosprendimai/organledger/internal/adapters/ledger/embedded"
	"github.com/atvirokodosprendimai/organledger/internal/application"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

const (
	adminEmail    = "admin@organledger.local"
	adminPassword = "admin-secret"
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
	token  string
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	db, err := gormdb.Open(gormdb.DriverSQLite, filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	require.NoError(t, gormdb.RunMigrations(ctx, db, nil))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	chain, err := embedded.Open("", embedded.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })

	reg := prometheus.NewRegistry()
	repo := gormdb.NewRepository(db)
	deps := application.Deps{
		Repo:     repo,
		Ledger:   chain,
		Notifier: application.NewStoreSink(repo),
		Metrics:  application.NewMetrics(reg),
	}
	rec := application.NewReconciler(deps, application.RetryPolicy{Attempts: 2, InitialDelay: time.Millisecond, Multiplier: 2})
	core := application.NewService(deps, rec)
	require.NoError(t, core.BootstrapAdmin(ctx, adminEmail, adminPassword))

	router := NewRouter(Services{
		Core:       core,
		Allocation: application.NewAllocationService(deps, rec, application.DefaultAllocationConfig()),
		Governance: application.NewGovernanceService(deps, rec, application.DefaultGovernanceConfig()),
		Execution:  application.NewExecutionService(deps, rec, application.DefaultExecutionConfig()),
	}, Options{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func (c *apiClient) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.server.URL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func login(t *testing.T, srv *httptest.Server, email, password string) *apiClient {
	t.Helper()
	c := &apiClient{t: t, server: srv}
	var out struct {
		Token string `json:"token"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, &out))
	require.NotEmpty(t, out.Token)
	c.token = out.Token
	return c
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	anon := &apiClient{t: t, server: srv}

	var body map[string]any
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/api/recipients", nil, &body))
	assert.Equal(t, "unauthorized", body["error"])

	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodPost, "/api/auth/login",
		map[string]string{"email": adminEmail, "password": "wrong"}, nil))

	anon.token = "not-a-token"
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/api/organs", nil, nil))
}

func TestWhoAmIListsPermissions(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, adminEmail, adminPassword)

	var me struct {
		Email       string   `json:"email"`
		Permissions []string `json:"permissions"`
	}
	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/auth/whoami", nil, &me))
	assert.Equal(t, adminEmail, me.Email)
	assert.Equal(t, []string{"*"}, me.Permissions)
}

func TestObserverCannotWrite(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, adminEmail, adminPassword)
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/access/users",
		map[string]string{"email": "auditor@clinic.example", "password": "pw-123456", "role": "observer"}, nil))

	observer := login(t, srv, "auditor@clinic.example", "pw-123456")
	assert.Equal(t, http.StatusOK, observer.do(http.MethodGet, "/api/recipients", nil, nil))

	var body map[string]any
	assert.Equal(t, http.StatusForbidden, observer.do(http.MethodPost, "/api/recipients",
		map[string]any{"recipient_id": "R-1", "organ_type": "KIDNEY", "blood_type": "O+", "urgency_level": 3}, &body))
	assert.Equal(t, "forbidden", body["error"])
}

func TestRegistryAndMatchingFlow(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, adminEmail, adminPassword)
	now := time.Now().UTC()

	var recipient domain.Recipient
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/recipients", map[string]any{
		"recipient_id":  "R-1",
		"full_name":     "Ona Petraitė",
		"organ_type":    "kidney",
		"blood_type":    "A+",
		"urgency_level": 4,
		"medical_score": 20,
		"registered_at": now.Add(-48 * time.Hour),
	}, &recipient))
	assert.Equal(t, domain.OrganKidney, recipient.OrganType)
	assert.NotEmpty(t, recipient.LedgerTxID)

	var organ domain.Organ
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/organs", map[string]any{
		"organ_id":        "K-1",
		"organ_type":      "KIDNEY",
		"blood_type":      "O-",
		"harvested_at":    now.Add(-time.Hour),
		"viability_hours": 24,
	}, &organ))
	assert.Equal(t, domain.OrganAvailable, organ.Status)

	var result application.AutoMatchResult
	require.Equal(t, http.StatusOK, admin.do(http.MethodPost, "/api/matching/auto", map[string]string{"organ_id": "K-1"}, &result))
	require.True(t, result.Matched, result.Reason)
	require.NotNil(t, result.Match)
	assert.Equal(t, "R-1", result.Match.RecipientID)

	var match domain.Match
	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/matches/"+result.Match.ID, nil, &match))
	assert.Equal(t, domain.MatchPending, match.Status)

	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/organs/K-1", nil, &organ))
	assert.Equal(t, domain.OrganAllocated, organ.Status)

	var drift application.OrganDrift
	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/organs/K-1/sync", nil, &drift))
	assert.True(t, drift.InSync)

	var notes []domain.Notification
	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/notifications?scope=recipient&audience=R-1", nil, &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, "match.created", notes[0].Kind)

	var logs []domain.AuditRecord
	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/audit/logs", nil, &logs))
	assert.NotEmpty(t, logs)
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, adminEmail, adminPassword)

	var body map[string]any
	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/api/recipients", map[string]any{
		"recipient_id": "R-9", "organ_type": "KIDNEY", "blood_type": "O+", "urgency_level": 9,
	}, &body))
	assert.Contains(t, body["error"], "urgency level must be between")

	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodGet, "/api/recipients/R-404", nil, nil))
	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodGet, "/api/proposals/abc", nil, nil))
	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodGet, "/api/organs?limit=-3", nil, nil))

	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/recipients", map[string]any{
		"recipient_id": "R-2", "organ_type": "LIVER", "blood_type": "B+", "urgency_level": 2,
	}, nil))
	assert.Equal(t, http.StatusConflict, admin.do(http.MethodPost, "/api/recipients", map[string]any{
		"recipient_id": "R-2", "organ_type": "LIVER", "blood_type": "B+", "urgency_level": 2,
	}, nil))
}

func TestGovernanceEndpoints(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, adminEmail, adminPassword)
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/recipients", map[string]any{
		"recipient_id": "R-1", "organ_type": "HEART", "blood_type": "AB+", "urgency_level": 2,
	}, nil))

	var p domain.Proposal
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/proposals", map[string]any{
		"type":                "URGENCY_UPDATE",
		"urgency":             "STANDARD",
		"target_recipient_id": "R-1",
		"proposed_value":      "5",
		"justification":       "rapid decline in cardiac output over 48 hours",
	}, &p))
	assert.Equal(t, domain.ProposalActive, p.Status)
	assert.Equal(t, "2", p.CurrentValue)
	path := fmt.Sprintf("/api/proposals/%d", p.ID)

	require.Equal(t, http.StatusOK, admin.do(http.MethodPost, path+"/vote", map[string]string{"choice": "FOR"}, &p))
	assert.Equal(t, 1, p.VotesFor)

	var body map[string]any
	assert.Equal(t, http.StatusConflict, admin.do(http.MethodPost, path+"/vote", map[string]string{"choice": "AGAINST"}, &body))
	assert.Equal(t, http.StatusConflict, admin.do(http.MethodPost, path+"/finalize", nil, nil), "voting still open")
	assert.Equal(t, http.StatusConflict, admin.do(http.MethodPost, path+"/execute", nil, nil), "not approved")
	assert.Equal(t, http.StatusForbidden, admin.do(http.MethodPost, path+"/emergency-finalize", map[string]string{"password": "x"}, nil),
		"no emergency credential configured")

	var votes []domain.Vote
	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, path+"/votes", nil, &votes))
	require.Len(t, votes, 1)
	assert.Equal(t, adminEmail, votes[0].Voter)

	require.Equal(t, http.StatusOK, admin.do(http.MethodPost, path+"/sync", nil, &p))
	assert.Equal(t, 1, p.VotesFor)
}

func TestMemberAdministration(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, adminEmail, adminPassword)

	var m domain.Member
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/members", map[string]any{
		"identity": "Dr.Jonas@Clinic.Example", "role": "doctor", "voting_power": 4,
	}, &m))
	assert.Equal(t, "dr.jonas@clinic.example", m.Identity)
	assert.False(t, m.Authorized)

	require.Equal(t, http.StatusOK, admin.do(http.MethodPost, "/api/members/dr.jonas@clinic.example/authorize",
		map[string]any{"authorized": true}, &m))
	assert.True(t, m.Authorized)
	assert.Equal(t, 4, m.VotingPower)

	var members []domain.Member
	require.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/members?authorized=true", nil, &members))
	assert.Len(t, members, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Invalid("bad"), http.StatusBadRequest},
		{domain.NotFound("organ", "K-1"), http.StatusNotFound},
		{domain.ErrAlreadyVoted, http.StatusConflict},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrLedgerStale, http.StatusBadGateway},
		{domain.LedgerFailure("castVote", errors.New("peer down")), http.StatusBadGateway},
		{fmt.Errorf("%w: SYSTEM_PARAMETER", domain.ErrNotImplemented), http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}
