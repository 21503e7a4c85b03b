package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/meterline/internal/audit/domain"
	"github.com/smallbiznis/meterline/internal/audit/repository"
	"github.com/smallbiznis/meterline/internal/clock"
	obscontext "github.com/smallbiznis/meterline/internal/observability/context"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	conn := db.NewTest(t, &auditdomain.AuditLog{})
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc.(*Service), clk
}

func ptr(s string) *string { return &s }

func TestAuditLog_ResolvesActorAndClientFromContext(t *testing.T) {
	svc, clk := newService(t)

	ctx := obscontext.WithActor(context.Background(), "admin", "token")
	ctx = obscontext.WithClient(ctx, "10.0.0.1", "curl/8.0")
	ctx = obscontext.WithRequestID(ctx, "req-1")

	err := svc.AuditLog(ctx, "", nil, auditdomain.ActionInstallationDeactivate, "installation", ptr(" inst-1 "), map[string]any{"": "dropped", "reason": "abuse"})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "admin", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "token", *entry.ActorID)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "inst-1", *entry.TargetID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.1", *entry.IPAddress)
	assert.Equal(t, "abuse", entry.Metadata["reason"])
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.NotContains(t, entry.Metadata, "")
	assert.True(t, entry.CreatedAt.Equal(clk.Now()))
}

func TestAuditLog_DefaultsToSystemActor(t *testing.T) {
	svc, _ := newService(t)

	require.NoError(t, svc.AuditLog(context.Background(), "", nil, auditdomain.ActionJobRun, "", nil, nil))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
}

func TestAuditLog_RequiresAction(t *testing.T) {
	svc, _ := newService(t)

	err := svc.AuditLog(context.Background(), "admin", nil, "  ", "installation", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestList_FiltersAndPaginatesNewestFirst(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	for _, id := range []string{"inst-1", "inst-2", "inst-3"} {
		require.NoError(t, svc.AuditLog(ctx, "admin", nil, auditdomain.ActionInstallationDeactivate, "installation", ptr(id), nil))
		clk.Advance(time.Minute)
	}
	require.NoError(t, svc.AuditLog(ctx, "admin", nil, auditdomain.ActionCreditsAdd, "license", ptr("key-1"), nil))

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{Limit: 2},
		Action:     auditdomain.ActionInstallationDeactivate,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.Total)
	assert.True(t, resp.HasMore)
	require.Len(t, resp.AuditLogs, 2)
	assert.Equal(t, "inst-3", *resp.AuditLogs[0].TargetID)
	assert.Equal(t, "inst-2", *resp.AuditLogs[1].TargetID)

	resp, err = svc.List(ctx, auditdomain.ListAuditLogRequest{TargetType: "license", TargetID: "key-1"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, auditdomain.ActionCreditsAdd, resp.AuditLogs[0].Action)
}
