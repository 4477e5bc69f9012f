package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sewago/sentinel/internal/pagination"
	"github.com/sewago/sentinel/internal/signals"
)

// stubAudit is a test double for AuditStore.
type stubAudit struct {
	decisions map[string][]*Decision
}

func (s *stubAudit) Record(_ context.Context, d *Decision) error {
	if s.decisions == nil {
		s.decisions = make(map[string][]*Decision)
	}
	s.decisions[d.IdentityKey] = append(s.decisions[d.IdentityKey], d)
	return nil
}

func (s *stubAudit) ListByIdentity(_ context.Context, identityKey string, limit int, before *pagination.Cursor) ([]*Decision, error) {
	ds := s.decisions[identityKey]
	if before != nil {
		filtered := make([]*Decision, 0, len(ds))
		for _, d := range ds {
			if d.EvaluatedAt.Before(before.CreatedAt) {
				filtered = append(filtered, d)
			}
		}
		ds = filtered
	}
	if len(ds) > limit {
		ds = ds[:limit]
	}
	return ds, nil
}

func decodeJSON(w *httptest.ResponseRecorder, v interface{}) error {
	return json.Unmarshal(w.Body.Bytes(), v)
}

func newTestRouter(audit AuditStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := testEngine(NewMemoryStore())
	h := NewHandler(signals.NewCollector(), engine, audit)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func TestEvaluateEndpoint(t *testing.T) {
	r := newTestRouter(nil)

	body := `{
		"identityKey": "user:ram",
		"deviceFingerprint": "device-aa11",
		"ipOrigin": "203.0.113.7",
		"action": "login",
		"timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `"
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/risk/evaluate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Decision Decision `json:"decision"`
	}
	require.NoError(t, decodeJSON(w, &resp))
	assert.Equal(t, "user:ram", resp.Decision.IdentityKey)
	// A never-seen device on a fresh identity lands in the challenge band.
	assert.Equal(t, VerdictChallenge, resp.Decision.Verdict)
	assert.Contains(t, resp.Decision.Reasons, "device_novelty")
	assert.NotEmpty(t, resp.Decision.ID)
}

func TestEvaluateEndpointRejectsBadJSON(t *testing.T) {
	r := newTestRouter(nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/risk/evaluate", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluateEndpointRejectsMalformedSignal(t *testing.T) {
	r := newTestRouter(nil)

	// Unknown action type.
	body := `{
		"identityKey": "user:ram",
		"action": "wire_transfer",
		"timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `"
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/risk/evaluate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "malformed_signal")
}

func TestListDecisionsEndpoint(t *testing.T) {
	audit := &stubAudit{}
	require.NoError(t, audit.Record(context.Background(), &Decision{
		ID:          "risk_1",
		IdentityKey: "user:sita",
		Verdict:     VerdictAllow,
		EvaluatedAt: time.Now(),
	}))

	r := newTestRouter(audit)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/risk/decisions/user:sita", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Decisions []*Decision `json:"decisions"`
		Count     int         `json:"count"`
		HasMore   bool        `json:"hasMore"`
	}
	require.NoError(t, decodeJSON(w, &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "risk_1", resp.Decisions[0].ID)
	assert.False(t, resp.HasMore)
}

func TestListDecisionsPagination(t *testing.T) {
	audit := &stubAudit{}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, audit.Record(context.Background(), &Decision{
			ID:          []string{"risk_c", "risk_b", "risk_a"}[i],
			IdentityKey: "user:page",
			Verdict:     VerdictAllow,
			EvaluatedAt: base.Add(-time.Duration(i) * time.Minute),
		}))
	}

	r := newTestRouter(audit)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/risk/decisions/user:page?limit=2", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Decisions  []*Decision `json:"decisions"`
		NextCursor string      `json:"nextCursor"`
		HasMore    bool        `json:"hasMore"`
	}
	require.NoError(t, decodeJSON(w, &page))
	require.Len(t, page.Decisions, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	// The cursor resumes after the last returned decision.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/risk/decisions/user:page?limit=2&cursor="+page.NextCursor, nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, decodeJSON(w, &page))
	require.Len(t, page.Decisions, 1)
	assert.Equal(t, "risk_a", page.Decisions[0].ID)
	assert.False(t, page.HasMore)
}

func TestListDecisionsRejectsBadCursor(t *testing.T) {
	r := newTestRouter(&stubAudit{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/risk/decisions/user:page?cursor=%25%25not-base64", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListDecisionsWithoutAuditStore(t *testing.T) {
	r := newTestRouter(nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/risk/decisions/user:sita", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
