package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semgate/governor"
	"github.com/c360studio/semgate/reconcile"
	"github.com/c360studio/semgate/registry"
	"github.com/c360studio/semgate/storage"
)

// fixedSearcher returns the same candidates for every query.
type fixedSearcher struct {
	candidates []registry.Candidate
}

func (s *fixedSearcher) Search(_ context.Context, _ string, _ registry.SearchOptions) ([]registry.Candidate, error) {
	return s.candidates, nil
}

func newTestServer(t *testing.T, candidates []registry.Candidate, opts ...Option) (*httptest.Server, *reconcile.Engine) {
	t.Helper()

	engine, err := reconcile.NewEngine(storage.NewMemStore(), &fixedSearcher{candidates: candidates})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(engine, opts...).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, engine
}

func queueTask(t *testing.T, engine *reconcile.Engine, iri string) string {
	t.Helper()

	result, err := engine.ReconcileEntity(context.Background(), reconcile.Entity{
		IRI:   iri,
		Label: "Marie Curie",
	})
	require.NoError(t, err)
	require.Equal(t, reconcile.DecisionQueued, result.Decision)
	return result.TaskID
}

// queueable scores between the queue and auto-link thresholds.
var queueable = []registry.Candidate{
	{ID: "Q7186", Score: 70, Label: "Marie Curie"},
	{ID: "Q937", Score: 55, Label: "Pierre Curie"},
}

func TestListTasks(t *testing.T) {
	srv, engine := newTestServer(t, queueable)
	queueTask(t, engine, "http://example.org/person/1")
	queueTask(t, engine, "http://example.org/person/2")

	resp, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ListTasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Total)
	assert.Len(t, body.Tasks, 2)
	assert.Equal(t, reconcile.TaskPending, body.Tasks[0].Status)
}

func TestListTasksLimit(t *testing.T) {
	srv, engine := newTestServer(t, queueable)
	queueTask(t, engine, "http://example.org/person/1")
	queueTask(t, engine, "http://example.org/person/2")

	resp, err := http.Get(srv.URL + "/tasks?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body ListTasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Total)
	assert.Len(t, body.Tasks, 1)
}

func TestListTasksInvalidLimit(t *testing.T) {
	srv, _ := newTestServer(t, queueable)

	resp, err := http.Get(srv.URL + "/tasks?limit=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveTask(t *testing.T) {
	srv, engine := newTestServer(t, queueable)
	taskID := queueTask(t, engine, "http://example.org/person/1")

	payload := bytes.NewBufferString(`{"candidate_id":"Q7186"}`)
	resp, err := http.Post(srv.URL+"/tasks/"+taskID+"/approve", "application/json", payload)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body TaskStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, taskID, body.TaskID)
	assert.Equal(t, "approved", body.Status)

	link, err := engine.GetLink(context.Background(), "http://example.org/person/1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "Q7186", link.ExternalID)
	assert.Equal(t, reconcile.LinkMethodManual, link.Method)
}

func TestApproveMissingCandidate(t *testing.T) {
	srv, engine := newTestServer(t, queueable)
	taskID := queueTask(t, engine, "http://example.org/person/1")

	resp, err := http.Post(srv.URL+"/tasks/"+taskID+"/approve", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t, queueable)

	payload := bytes.NewBufferString(`{"candidate_id":"Q7186"}`)
	resp, err := http.Post(srv.URL+"/tasks/nope/approve", "application/json", payload)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApproveResolvedTaskConflicts(t *testing.T) {
	srv, engine := newTestServer(t, queueable)
	taskID := queueTask(t, engine, "http://example.org/person/1")
	require.NoError(t, engine.RejectTask(context.Background(), taskID))

	payload := bytes.NewBufferString(`{"candidate_id":"Q7186"}`)
	resp, err := http.Post(srv.URL+"/tasks/"+taskID+"/approve", "application/json", payload)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectTask(t *testing.T) {
	srv, engine := newTestServer(t, queueable)
	taskID := queueTask(t, engine, "http://example.org/person/1")

	resp, err := http.Post(srv.URL+"/tasks/"+taskID+"/reject", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tasks, err := engine.PendingTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)

	link, err := engine.GetLink(context.Background(), "http://example.org/person/1")
	require.NoError(t, err)
	assert.Nil(t, link)
}

func TestGetLink(t *testing.T) {
	autoLink := []registry.Candidate{{ID: "Q7186", Score: 98, Label: "Marie Curie"}}
	srv, engine := newTestServer(t, autoLink)

	result, err := engine.ReconcileEntity(context.Background(), reconcile.Entity{
		IRI:   "http://example.org/person/1",
		Label: "Marie Curie",
	})
	require.NoError(t, err)
	require.Equal(t, reconcile.DecisionAutoLinked, result.Decision)

	resp, err := http.Get(srv.URL + "/links?iri=" + "http%3A%2F%2Fexample.org%2Fperson%2F1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var link reconcile.Link
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&link))
	assert.Equal(t, "Q7186", link.ExternalID)
	assert.Equal(t, reconcile.LinkMethodAuto, link.Method)
}

func TestGetLinkNotFound(t *testing.T) {
	srv, _ := newTestServer(t, queueable)

	resp, err := http.Get(srv.URL + "/links?iri=http%3A%2F%2Fexample.org%2Fperson%2Funknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "no link for entity", body["error"])
}

func TestGetLinkMissingIRI(t *testing.T) {
	srv, _ := newTestServer(t, queueable)

	resp, err := http.Get(srv.URL + "/links")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, queueable)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGovernorStatus(t *testing.T) {
	gov, err := governor.New(governor.DefaultConfig())
	require.NoError(t, err)
	srv, _ := newTestServer(t, queueable, WithGovernor(gov))

	resp, err := http.Get(srv.URL + "/governor")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body GovernorStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "closed", body.Circuit)
}

func TestGovernorRouteAbsentWithoutGovernor(t *testing.T) {
	srv, _ := newTestServer(t, queueable)

	resp, err := http.Get(srv.URL + "/governor")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
