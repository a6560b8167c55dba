package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rebound-engine/generic"
)

func TestAuditScheduler_FindsDivergedBalance(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	ada := s.signup(t, "ada@example.com")
	bo := s.signup(t, "bo@example.com")
	s.complete(t, ada.Token, "daily_ritual", "k1")
	s.complete(t, bo.Token, "daily_ritual", "k2")

	// GIVEN: someone edited bo's balance row by hand
	_, err := s.store.DB().Exec(`UPDATE balances SET value = value + 50 WHERE entity_id = ? AND unit = 'bytes'`, bo.User.ID)
	require.NoError(t, err)

	// WHEN
	auditor := NewAuditScheduler(s.store, s.ledger, s.metrics, nil)
	report := auditor.RunOnce(context.Background())

	// THEN: only bo is reported, nothing is repaired
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []generic.EntityID{generic.EntityID(bo.User.ID)}, report.Diverged)
	assert.Zero(t, report.Failed)

	rec := s.do(t, http.MethodGet, "/api/me/balance/verify", bo.Token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var v VerifyDTO
	decodeBody(t, rec, &v)
	assert.False(t, v.Consistent)
	assert.NotEmpty(t, v.Detail)
}

type pagedUsers struct {
	ids   []generic.EntityID
	calls atomic.Int32
	err   error
}

func (p *pagedUsers) UserIDs(_ context.Context, after generic.EntityID, limit int) ([]generic.EntityID, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	var out []generic.EntityID
	for _, id := range p.ids {
		if id > after && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestAuditScheduler_PagesThroughUsers(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	// Users without any ledger rows verify as zero
	users := &pagedUsers{}
	for i := 0; i < auditPageSize+5; i++ {
		users.ids = append(users.ids, generic.EntityID(fmt.Sprintf("user-%04d", i)))
	}

	report := NewAuditScheduler(users, s.ledger, nil, nil).RunOnce(context.Background())
	assert.Equal(t, auditPageSize+5, report.Checked)
	assert.Equal(t, int32(2), users.calls.Load())
	assert.Empty(t, report.Diverged)
}

func TestAuditScheduler_ListErrorCounted(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	users := &pagedUsers{err: errors.New("db down")}

	report := NewAuditScheduler(users, s.ledger, s.metrics, nil).RunOnce(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Checked)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	users := &pagedUsers{}

	a := NewAuditScheduler(users, s.ledger, nil, nil)
	a.CheckInterval = time.Hour
	a.Start(context.Background())
	require.Eventually(t, func() bool { return users.calls.Load() > 0 }, time.Second, 10*time.Millisecond)
	a.Stop()
	a.Stop() // second stop is a no-op

	disabled := NewAuditScheduler(&pagedUsers{}, s.ledger, nil, nil)
	disabled.CheckInterval = 0
	disabled.Start(context.Background())
	disabled.Stop()
}
