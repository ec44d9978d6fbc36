package fabric

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/transport"
)

// scriptedSender returns canned responses in order and records requests.
type scriptedSender struct {
	responses []*transport.Response
	requests  []*transport.Request
}

func (s *scriptedSender) Send(_ context.Context, req *transport.Request) (*transport.Response, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return &transport.Response{Class: transport.ClassServerError, StatusCode: 500}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func spec(kind engine.Kind, name string, payload string) *engine.ResourceSpec {
	s := &engine.ResourceSpec{ID: name, Kind: kind, DisplayName: name}
	if payload != "" {
		s.Payload = json.RawMessage(payload)
	}
	return s
}

func TestCreateWorkspace(t *testing.T) {
	sender := &scriptedSender{responses: []*transport.Response{
		{Class: transport.ClassSuccess, StatusCode: 201, ResourceID: "ws-1", Attempts: 1},
	}}
	c := NewCreator(sender, nil)

	out := c.Create(context.Background(), spec(engine.KindWorkspace, "Controller", `{"capacityId":"cap-1"}`), "")
	assert.Equal(t, engine.CreationCreated, out.Status)
	assert.Equal(t, "ws-1", out.ResolvedID)
	assert.Equal(t, 201, out.HTTPStatus)

	require.Len(t, sender.requests, 1)
	req := sender.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/workspaces", req.Path)
	body := req.Body.(map[string]interface{})
	assert.Equal(t, "Controller", body["displayName"])
	assert.Equal(t, "cap-1", body["capacityId"])
}

func TestCreateRoutesKindsToEndpoints(t *testing.T) {
	cases := []struct {
		kind    engine.Kind
		payload string
		path    string
	}{
		{engine.KindDataContainer, "", "/workspaces/p1/lakehouses"},
		{engine.KindComputeContainer, "", "/workspaces/p1/warehouses"},
		{engine.KindArtifact, `{"type":"Notebook"}`, "/workspaces/p1/items"},
		{engine.KindAccessGrant, `{"principalId":"u1","principalType":"Group","role":"Admin"}`, "/workspaces/p1/roleAssignments"},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			sender := &scriptedSender{responses: []*transport.Response{
				{Class: transport.ClassSuccess, StatusCode: 201, ResourceID: "id-1"},
			}}
			out := NewCreator(sender, nil).Create(context.Background(), spec(tc.kind, "X", tc.payload), "p1")
			assert.Equal(t, engine.CreationCreated, out.Status)
			require.Len(t, sender.requests, 1)
			assert.Equal(t, tc.path, sender.requests[0].Path)
		})
	}
}

func TestAccessGrantBody(t *testing.T) {
	sender := &scriptedSender{responses: []*transport.Response{
		{Class: transport.ClassSuccess, StatusCode: 201, ResourceID: "ra-1"},
	}}
	NewCreator(sender, nil).Create(context.Background(),
		spec(engine.KindAccessGrant, "Admin:u1", `{"principalId":"u1","principalType":"User","role":"Admin"}`), "p1")

	body := sender.requests[0].Body.(map[string]interface{})
	assert.Equal(t, "Admin", body["role"])
	principal := body["principal"].(map[string]interface{})
	assert.Equal(t, "u1", principal["id"])
	assert.Equal(t, "User", principal["type"])
	_, hasName := body["displayName"]
	assert.False(t, hasName)
}

func TestCreateChildWithoutParentFails(t *testing.T) {
	sender := &scriptedSender{}
	out := NewCreator(sender, nil).Create(context.Background(), spec(engine.KindDataContainer, "L", ""), "")
	assert.Equal(t, engine.CreationFailed, out.Status)
	assert.Empty(t, sender.requests)
}

func TestCreateAcceptedCarriesHandle(t *testing.T) {
	sender := &scriptedSender{responses: []*transport.Response{
		{Class: transport.ClassAccepted, StatusCode: 202, OperationURL: "https://ops/op-1"},
	}}
	out := NewCreator(sender, nil).Create(context.Background(), spec(engine.KindComputeContainer, "WH", ""), "p1")

	assert.Equal(t, engine.CreationAccepted, out.Status)
	require.NotNil(t, out.Handle)
	assert.Equal(t, "https://ops/op-1", out.Handle.OperationURL)
	require.NotNil(t, out.Handle.Listing)
	assert.Equal(t, "/workspaces/p1/warehouses", out.Handle.Listing.URL)
	assert.Equal(t, "WH", out.Handle.Listing.DisplayName)
}

func TestCreateDuplicateDetection(t *testing.T) {
	for _, resp := range []*transport.Response{
		{Class: transport.ClassConflict, StatusCode: 409},
		{Class: transport.ClassClientError, StatusCode: 400, ErrorCode: "ItemDisplayNameAlreadyInUse"},
		{Class: transport.ClassClientError, StatusCode: 400, ErrorCode: "WorkspaceNameAlreadyExists"},
	} {
		sender := &scriptedSender{responses: []*transport.Response{resp}}
		out := NewCreator(sender, nil).Create(context.Background(), spec(engine.KindWorkspace, "W", ""), "")
		assert.Equal(t, engine.CreationAlreadyExists, out.Status, "code %q", resp.ErrorCode)
	}
}

func TestCreateClientErrorFails(t *testing.T) {
	sender := &scriptedSender{responses: []*transport.Response{
		{Class: transport.ClassClientError, StatusCode: 400, FailureReason: "bad capacity"},
	}}
	out := NewCreator(sender, nil).Create(context.Background(), spec(engine.KindWorkspace, "W", ""), "")
	assert.Equal(t, engine.CreationFailed, out.Status)
	require.Error(t, out.Err)
	assert.Equal(t, engine.ErrorClassClient, engine.ClassOf(out.Err))
	assert.Contains(t, out.Err.Error(), "bad capacity")
}

func TestCreateWithoutIDFallsBackToListing(t *testing.T) {
	sender := &scriptedSender{responses: []*transport.Response{
		{Class: transport.ClassSuccess, StatusCode: 200},
		{Class: transport.ClassSuccess, StatusCode: 200, Items: []engine.ListedItem{
			{ID: "other", DisplayName: "Other"},
			{ID: "lh-9", DisplayName: "Lake"},
		}},
	}}
	out := NewCreator(sender, nil).Create(context.Background(), spec(engine.KindDataContainer, "Lake", ""), "p1")
	assert.Equal(t, engine.CreationCreated, out.Status)
	assert.Equal(t, "lh-9", out.ResolvedID)
	assert.Equal(t, "/workspaces/p1/lakehouses", sender.requests[1].Path)
}

func TestLookupMatchesArtifactType(t *testing.T) {
	sender := &scriptedSender{responses: []*transport.Response{
		{Class: transport.ClassSuccess, StatusCode: 200, Items: []engine.ListedItem{
			{ID: "rep", DisplayName: "Gen", Type: "Report"},
			{ID: "nb", DisplayName: "Gen", Type: "notebook"},
		}},
	}}
	id, err := NewCreator(sender, nil).Lookup(context.Background(), spec(engine.KindArtifact, "Gen", ""), "p1")
	require.NoError(t, err)
	assert.Equal(t, "nb", id)
}

func TestLookupNotFound(t *testing.T) {
	sender := &scriptedSender{responses: []*transport.Response{
		{Class: transport.ClassSuccess, StatusCode: 200},
	}}
	_, err := NewCreator(sender, nil).Lookup(context.Background(), spec(engine.KindWorkspace, "Missing", ""), "")
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}

type staticTokens struct{}

func (staticTokens) GetToken(context.Context) (string, time.Time, error) {
	return "t", time.Now().Add(time.Hour), nil
}
func (staticTokens) Invalidate(string) {}

func TestFindListedFollowsContinuation(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"value":[{"id":"ws-2","displayName":"Second"}]}`))
			return
		}
		next := srv.URL + "/v1/workspaces?page=2"
		_, _ = w.Write([]byte(`{"value":[{"id":"ws-1","displayName":"First"}],"continuationUri":"` + next + `"}`))
	}))
	defer srv.Close()

	cfg := transport.DefaultConfig()
	cfg.BaseURL = srv.URL + "/v1"
	cfg.HTTPClient = srv.Client()
	client, err := transport.NewClient(cfg, staticTokens{})
	require.NoError(t, err)

	c := NewCreator(client, nil)
	id, found, err := c.FindListed(context.Background(), &engine.ListingQuery{URL: "/workspaces", DisplayName: "Second"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ws-2", id)

	_, found, err = c.ProbeListed(context.Background(), &engine.ListingQuery{URL: "/workspaces", DisplayName: "Nope"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDryRunCreator(t *testing.T) {
	d := NewDryRunCreator()
	d.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }

	out := d.Create(context.Background(), spec(engine.KindWorkspace, "BFF Controller", ""), "")
	assert.Equal(t, engine.CreationCreated, out.Status)
	assert.Equal(t, "local-bff-controller-20260504030201", out.ResolvedID)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "bff-controller", Sanitize("BFF--Controller"))
	assert.Equal(t, "1-generatedata", Sanitize("1.GenerateData"))
	assert.Equal(t, "a", Sanitize("  a!! "))
}

func TestNotebookDefinition(t *testing.T) {
	def := NotebookDefinition("notebooks/gen.ipynb", "e30=")
	parts := def["parts"].([]interface{})
	part := parts[0].(map[string]interface{})
	assert.Equal(t, "ipynb", def["format"])
	assert.Equal(t, "gen.ipynb", part["path"])
	assert.Equal(t, "InlineBase64", part["payloadType"])
	assert.True(t, strings.HasPrefix(part["payload"].(string), "e30"))
}
