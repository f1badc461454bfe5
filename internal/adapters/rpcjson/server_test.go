package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atvirokodosprendimai/organledger/internal/adapters/db/gormdb"
	"github.com/atvirokodosprendimai/organledger/internal/adapters/ledger/embedded"
	"github.com/atvirokodosprendimai/organledger/internal/application"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcConn struct {
	t    *testing.T
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
	next int
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "olrpc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := gormdb.Open(gormdb.DriverSQLite, filepath.Join(dir, "rpc_test.db"))
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

	repo := gormdb.NewRepository(db)
	deps := application.Deps{Repo: repo, Ledger: chain, Notifier: application.NewStoreSink(repo)}
	rec := application.NewReconciler(deps, application.RetryPolicy{Attempts: 1, InitialDelay: time.Millisecond, Multiplier: 2})
	core := application.NewService(deps, rec)
	require.NoError(t, core.BootstrapAdmin(ctx, "admin@organledger.local", "admin-secret"))

	socket := filepath.Join(dir, "rpc.sock")
	srv, err := Start(socket, Services{
		Core:       core,
		Allocation: application.NewAllocationService(deps, rec, application.DefaultAllocationConfig()),
		Governance: application.NewGovernanceService(deps, rec, application.DefaultGovernanceConfig()),
		Execution:  application.NewExecutionService(deps, rec, application.DefaultExecutionConfig()),
	}, nil)
	require.NoError(t, err)
	return srv, socket
}

func dial(t *testing.T, socket string) *rpcConn {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rpcConn{t: t, conn: conn, dec: json.NewDecoder(conn), enc: json.NewEncoder(conn)}
}

func (c *rpcConn) call(method string, params any, out any) *rpcError {
	c.t.Helper()
	c.next++
	require.NoError(c.t, c.enc.Encode(map[string]any{"jsonrpc": "2.0", "method": method, "params": params, "id": c.next}))
	var reply rpcReply
	require.NoError(c.t, c.dec.Decode(&reply))
	if reply.Error != nil {
		return reply.Error
	}
	if out != nil {
		require.NoError(c.t, json.Unmarshal(reply.Result, out))
	}
	return nil
}

func (c *rpcConn) login() string {
	var out struct {
		Token string `json:"token"`
	}
	require.Nil(c.t, c.call("auth.login", map[string]string{"email": "admin@organledger.local", "password": "admin-secret"}, &out))
	return out.Token
}

func TestRegistryAndMatchingOverSocket(t *testing.T) {
	srv, socket := startServer(t)
	t.Cleanup(func() { _ = srv.Close() })
	c := dial(t, socket)
	token := c.login()
	now := time.Now().UTC()

	var r domain.Recipient
	require.Nil(t, c.call("recipients.create", map[string]any{
		"token": token, "recipient_id": "R-1", "organ_type": "LIVER", "blood_type": "B+",
		"urgency_level": 5, "registered_at": now.Add(-time.Hour),
	}, &r))
	assert.Equal(t, "R-1", r.RecipientID)

	var o domain.Organ
	require.Nil(t, c.call("organs.create", map[string]any{
		"token": token, "organ_id": "L-1", "organ_type": "LIVER", "blood_type": "O+",
		"harvested_at": now, "viability_hours": 12,
	}, &o))
	assert.Equal(t, now.Add(12*time.Hour).Unix(), o.ExpiresAt.Unix())

	var res application.AutoMatchResult
	require.Nil(t, c.call("matching.auto", map[string]any{"token": token, "organ_id": "L-1"}, &res))
	require.True(t, res.Matched, res.Reason)

	var batch application.BatchResult
	require.Nil(t, c.call("matching.run", map[string]any{"token": token}, &batch))
	assert.Zero(t, batch.Total, "nothing left to allocate")

	var listed []domain.Recipient
	require.Nil(t, c.call("recipients.list", map[string]any{"token": token, "organ_type": "liver"}, &listed))
	require.Len(t, listed, 1)
	assert.True(t, listed[0].Matched)
}

func TestErrorCodes(t *testing.T) {
	srv, socket := startServer(t)
	t.Cleanup(func() { _ = srv.Close() })
	c := dial(t, socket)

	rerr := c.call("recipients.list", map[string]any{"token": "bogus"}, nil)
	require.NotNil(t, rerr)
	assert.Equal(t, codeUnauthorized, rerr.Code)

	token := c.login()

	rerr = c.call("organs.get", map[string]any{"token": token, "id": "K-404"}, nil)
	require.NotNil(t, rerr)
	assert.Equal(t, codeNotFound, rerr.Code)

	rerr = c.call("organs.create", map[string]any{"token": token, "organ_id": "K-1", "organ_type": "SPLEEN", "blood_type": "O+", "viability_hours": 4}, nil)
	require.NotNil(t, rerr)
	assert.Equal(t, codeValidation, rerr.Code)

	rerr = c.call("proposals.execute", map[string]any{"token": token, "id": 99}, nil)
	require.NotNil(t, rerr)
	assert.Equal(t, codeNotFound, rerr.Code)

	rerr = c.call("organs.teleport", map[string]any{"token": token}, nil)
	require.NotNil(t, rerr)
	assert.Equal(t, codeMethodNotFound, rerr.Code)

	rerr = c.call("organs.list", "not-an-object", nil)
	require.NotNil(t, rerr)
	assert.Equal(t, codeInvalidParams, rerr.Code)
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, codePrecondition, CodeFor(domain.ErrVotingClosed))
	assert.Equal(t, codeLedger, CodeFor(domain.ErrLedgerStale))
	assert.Equal(t, codeNotImplemented, CodeFor(domain.ErrNotImplemented))
	assert.Equal(t, codeForbidden, CodeFor(domain.ErrForbidden))
	assert.Equal(t, codeInternal, CodeFor(errors.New("disk full")))
}

func TestCloseDrainsConnections(t *testing.T) {
	srv, socket := startServer(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := dial(t, socket)
	c.login()

	require.NoError(t, srv.Close())
	_, err := os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
}
