package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbeam/mailbeam/internal/importer"
	"github.com/mailbeam/mailbeam/internal/mailing"
)

type fakeBackend struct {
	orgs        map[uuid.UUID]*mailing.Organization
	lists       map[uuid.UUID]*mailing.List
	subscribers map[uuid.UUID]*mailing.Subscriber
	campaigns   map[uuid.UUID]*mailing.Campaign
	members     map[uuid.UUID][]uuid.UUID

	resolveResult []*mailing.Subscriber
	resolveErr    error
	addRuleErr    error
	importResult  *importer.Result
	dispatchRes   *mailing.DispatchResult
	dispatchErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		orgs:        map[uuid.UUID]*mailing.Organization{},
		lists:       map[uuid.UUID]*mailing.List{},
		subscribers: map[uuid.UUID]*mailing.Subscriber{},
		campaigns:   map[uuid.UUID]*mailing.Campaign{},
		members:     map[uuid.UUID][]uuid.UUID{},
	}
}

func (f *fakeBackend) CreateOrganization(_ context.Context, org *mailing.Organization) error {
	org.ID = uuid.New()
	org.CreatedAt = time.Now()
	f.orgs[org.ID] = org
	return nil
}

func (f *fakeBackend) GetOrganization(_ context.Context, id uuid.UUID) (*mailing.Organization, error) {
	org, ok := f.orgs[id]
	if !ok {
		return nil, nil
	}
	return org, nil
}

func (f *fakeBackend) CreateList(_ context.Context, list *mailing.List) error {
	list.ID = uuid.New()
	f.lists[list.ID] = list
	return nil
}

func (f *fakeBackend) GetList(_ context.Context, orgID, listID uuid.UUID) (*mailing.List, error) {
	list, ok := f.lists[listID]
	if !ok || list.OrganizationID != orgID {
		return nil, nil
	}
	return list, nil
}

func (f *fakeBackend) GetLists(_ context.Context, orgID uuid.UUID) ([]*mailing.List, error) {
	var lists []*mailing.List
	for _, l := range f.lists {
		if l.OrganizationID == orgID {
			lists = append(lists, l)
		}
	}
	return lists, nil
}

func (f *fakeBackend) UpdateList(_ context.Context, list *mailing.List) error {
	stored, ok := f.lists[list.ID]
	if !ok {
		return mailing.ErrListNotFound
	}
	// Mirrors the store: only name and schema are updatable here.
	stored.Name = list.Name
	stored.CustomFields = list.CustomFields
	return nil
}

func (f *fakeBackend) DeleteList(_ context.Context, _, listID uuid.UUID) error {
	if _, ok := f.lists[listID]; !ok {
		return mailing.ErrListNotFound
	}
	delete(f.lists, listID)
	return nil
}

func (f *fakeBackend) ListMembers(_ context.Context, orgID, listID uuid.UUID) ([]*mailing.Subscriber, error) {
	var subs []*mailing.Subscriber
	for _, id := range f.members[listID] {
		if sub, ok := f.subscribers[id]; ok && sub.OrganizationID == orgID {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (f *fakeBackend) CreateSubscriber(_ context.Context, sub *mailing.Subscriber) error {
	for _, existing := range f.subscribers {
		if existing.OrganizationID == sub.OrganizationID && existing.Email == strings.ToLower(sub.Email) {
			return mailing.ErrDuplicateEmail
		}
	}
	sub.ID = uuid.New()
	sub.Email = strings.ToLower(sub.Email)
	f.subscribers[sub.ID] = sub
	return nil
}

func (f *fakeBackend) GetSubscriber(_ context.Context, orgID, subID uuid.UUID) (*mailing.Subscriber, error) {
	sub, ok := f.subscribers[subID]
	if !ok || sub.OrganizationID != orgID {
		return nil, nil
	}
	return sub, nil
}

func (f *fakeBackend) SubscribersByOrg(_ context.Context, orgID uuid.UUID, _ string, _, _ int) ([]*mailing.Subscriber, int, error) {
	var subs []*mailing.Subscriber
	for _, sub := range f.subscribers {
		if sub.OrganizationID == orgID {
			subs = append(subs, sub)
		}
	}
	return subs, len(subs), nil
}

func (f *fakeBackend) UpdateSubscriber(_ context.Context, sub *mailing.Subscriber) error {
	if _, ok := f.subscribers[sub.ID]; !ok {
		return mailing.ErrSubscriberNotFound
	}
	f.subscribers[sub.ID] = sub
	return nil
}

func (f *fakeBackend) DeleteSubscriber(_ context.Context, _, subID uuid.UUID) error {
	if _, ok := f.subscribers[subID]; !ok {
		return mailing.ErrSubscriberNotFound
	}
	delete(f.subscribers, subID)
	return nil
}

func (f *fakeBackend) AddMembers(_ context.Context, listID uuid.UUID, subIDs []uuid.UUID) error {
	f.members[listID] = append(f.members[listID], subIDs...)
	return nil
}

func (f *fakeBackend) IsMember(_ context.Context, listID, subID uuid.UUID) (bool, error) {
	for _, id := range f.members[listID] {
		if id == subID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) RemoveMember(_ context.Context, listID, subID uuid.UUID) error {
	ids := f.members[listID]
	for i, id := range ids {
		if id == subID {
			f.members[listID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeBackend) CreateCampaign(_ context.Context, c *mailing.Campaign) error {
	c.ID = uuid.New()
	f.campaigns[c.ID] = c
	return nil
}

func (f *fakeBackend) GetCampaign(_ context.Context, orgID, campaignID uuid.UUID) (*mailing.Campaign, error) {
	c, ok := f.campaigns[campaignID]
	if !ok || c.OrganizationID != orgID {
		return nil, nil
	}
	return c, nil
}

func (f *fakeBackend) GetCampaigns(_ context.Context, orgID uuid.UUID) ([]*mailing.Campaign, error) {
	var campaigns []*mailing.Campaign
	for _, c := range f.campaigns {
		if c.OrganizationID == orgID {
			campaigns = append(campaigns, c)
		}
	}
	return campaigns, nil
}

func (f *fakeBackend) UpdateCampaign(_ context.Context, c *mailing.Campaign) error {
	stored, ok := f.campaigns[c.ID]
	if !ok {
		return mailing.ErrCampaignNotFound
	}
	// Mirrors the store: only subject and content are updatable here.
	stored.Subject = c.Subject
	stored.Content = c.Content
	return nil
}

func (f *fakeBackend) DeleteCampaign(_ context.Context, _, campaignID uuid.UUID) error {
	if _, ok := f.campaigns[campaignID]; !ok {
		return mailing.ErrCampaignNotFound
	}
	delete(f.campaigns, campaignID)
	return nil
}

func (f *fakeBackend) Resolve(context.Context, uuid.UUID, uuid.UUID) ([]*mailing.Subscriber, error) {
	return f.resolveResult, f.resolveErr
}

func (f *fakeBackend) AddRule(_ context.Context, _, listID uuid.UUID, rule mailing.Rule) error {
	if f.addRuleErr != nil {
		return f.addRuleErr
	}
	if list, ok := f.lists[listID]; ok {
		list.Rules = append(list.Rules, rule)
	}
	return nil
}

func (f *fakeBackend) Import(context.Context, uuid.UUID, uuid.UUID, importer.TabularSource, importer.Options) (*importer.Result, error) {
	return f.importResult, nil
}

func (f *fakeBackend) Dispatch(context.Context, uuid.UUID, uuid.UUID) (*mailing.DispatchResult, error) {
	return f.dispatchRes, f.dispatchErr
}

func newTestServer(backend *fakeBackend) (*Server, uuid.UUID) {
	orgID := uuid.New()
	srv := NewServer(backend, backend, backend, backend, Options{
		JWTSecret: "test-secret",
		DevMode:   true,
	}, zerolog.Nop())
	return srv, orgID
}

func doRequest(t *testing.T, srv *Server, orgID uuid.UUID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if orgID != uuid.Nil {
		req.Header.Set("X-Organization-ID", orgID.String())
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(newFakeBackend())

	rec := doRequest(t, srv, uuid.Nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireOrgRejectsAnonymous(t *testing.T) {
	srv, _ := newTestServer(newFakeBackend())

	rec := doRequest(t, srv, uuid.Nil, http.MethodGet, "/api/v1/lists", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireOrgAcceptsJWT(t *testing.T) {
	srv, orgID := newTestServer(newFakeBackend())

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"org_id": orgID.String(),
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lists", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireOrgRejectsBadSignature(t *testing.T) {
	srv, orgID := newTestServer(newFakeBackend())

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"org_id": orgID.String()})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lists", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateListValidation(t *testing.T) {
	srv, orgID := newTestServer(newFakeBackend())

	rec := doRequest(t, srv, orgID, http.MethodPost, "/api/v1/lists", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, orgID, http.MethodPost, "/api/v1/lists", map[string]interface{}{
		"name":          "VIP",
		"custom_fields": map[string]string{"plan": "enum"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown field type")
}

func TestCreateAndGetList(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)

	rec := doRequest(t, srv, orgID, http.MethodPost, "/api/v1/lists", map[string]interface{}{
		"name":          "VIP",
		"custom_fields": map[string]string{"plan": "string", "age": "number"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created mailing.List
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, orgID, created.OrganizationID)

	rec = doRequest(t, srv, orgID, http.MethodGet, "/api/v1/lists/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Another tenant cannot see it.
	rec = doRequest(t, srv, uuid.New(), http.MethodGet, "/api/v1/lists/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddRuleErrorMapping(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)
	listID := uuid.New()
	backend.lists[listID] = &mailing.List{ID: listID, OrganizationID: orgID, Name: "L"}

	backend.addRuleErr = mailing.ErrInvalidOperator
	rec := doRequest(t, srv, orgID, http.MethodPost, "/api/v1/lists/"+listID.String()+"/rules", map[string]string{
		"field": "plan", "operator": "regex", "value": ".*",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	backend.addRuleErr = mailing.ErrUnknownRuleField
	rec = doRequest(t, srv, orgID, http.MethodPost, "/api/v1/lists/"+listID.String()+"/rules", map[string]string{
		"field": "nope", "operator": "equals", "value": "x",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateSubscriberDuplicateConflict(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)

	body := map[string]interface{}{"email": "a@example.com", "attributes": map[string]interface{}{"plan": "pro"}}
	rec := doRequest(t, srv, orgID, http.MethodPost, "/api/v1/subscribers", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, orgID, http.MethodPost, "/api/v1/subscribers", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveSegmentEndpoint(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)
	listID := uuid.New()
	backend.lists[listID] = &mailing.List{ID: listID, OrganizationID: orgID, Name: "L"}
	backend.resolveResult = []*mailing.Subscriber{
		{ID: uuid.New(), OrganizationID: orgID, Email: "a@example.com"},
	}

	rec := doRequest(t, srv, orgID, http.MethodGet, "/api/v1/lists/"+listID.String()+"/segment", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Total)

	backend.resolveErr = mailing.ErrListNotFound
	rec = doRequest(t, srv, orgID, http.MethodGet, "/api/v1/lists/"+uuid.NewString()+"/segment", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendCampaignErrorMapping(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)
	campaignID := uuid.New()
	backend.campaigns[campaignID] = &mailing.Campaign{ID: campaignID, OrganizationID: orgID}

	backend.dispatchErr = mailing.ErrNoRecipients
	rec := doRequest(t, srv, orgID, http.MethodPost, "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	backend.dispatchErr = mailing.ErrProviderUnavailable
	rec = doRequest(t, srv, orgID, http.MethodPost, "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	backend.dispatchErr = nil
	backend.dispatchRes = &mailing.DispatchResult{SuccessCount: 2, FailureCount: 1}
	rec = doRequest(t, srv, orgID, http.MethodPost, "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result mailing.DispatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.SuccessCount)
}

func TestImportEndpoint(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)
	listID := uuid.New()
	backend.lists[listID] = &mailing.List{ID: listID, OrganizationID: orgID, Name: "L"}
	backend.importResult = &importer.Result{Created: 4, Skipped: 1}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "subs.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("email,plan\na@example.com,pro\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("conversions", `{"age":"number"}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lists/"+listID.String()+"/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Organization-ID", orgID.String())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result importer.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 4, result.Created)
	assert.Equal(t, 1, result.Skipped)
}

func TestImportRejectsUnknownExtension(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)
	listID := uuid.New()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "subs.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("whatever"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lists/"+listID.String()+"/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Organization-ID", orgID.String())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestCreateOrganizationIsPublic(t *testing.T) {
	backend := newFakeBackend()
	srv, _ := newTestServer(backend)

	rec := doRequest(t, srv, uuid.Nil, http.MethodPost, "/api/v1/organizations",
		map[string]interface{}{"name": "Acme"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var org mailing.Organization
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&org))
	assert.NotEqual(t, uuid.Nil, org.ID)
	assert.Equal(t, "Acme", org.Name)
}

func TestCreateOrganizationValidation(t *testing.T) {
	srv, _ := newTestServer(newFakeBackend())

	rec := doRequest(t, srv, uuid.Nil, http.MethodPost, "/api/v1/organizations",
		map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrganizationReturnsCallerTenant(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)
	backend.orgs[orgID] = &mailing.Organization{ID: orgID, Name: "Acme"}

	rec := doRequest(t, srv, orgID, http.MethodGet, "/api/v1/organization", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var org mailing.Organization
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&org))
	assert.Equal(t, orgID, org.ID)
}

func TestGetOrganizationUnknownTenant(t *testing.T) {
	srv, orgID := newTestServer(newFakeBackend())

	rec := doRequest(t, srv, orgID, http.MethodGet, "/api/v1/organization", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddMemberTwiceConflicts(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)

	listID := uuid.New()
	backend.lists[listID] = &mailing.List{ID: listID, OrganizationID: orgID, Name: "L"}
	subID := uuid.New()
	backend.subscribers[subID] = &mailing.Subscriber{ID: subID, OrganizationID: orgID, Email: "a@example.com"}

	body := map[string]interface{}{"subscriber_id": subID.String()}
	rec := doRequest(t, srv, orgID, http.MethodPost, "/api/v1/lists/"+listID.String()+"/members", body)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, orgID, http.MethodPost, "/api/v1/lists/"+listID.String()+"/members", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, backend.members[listID], 1)
}

func TestUpdateListResponseKeepsRules(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)

	listID := uuid.New()
	backend.lists[listID] = &mailing.List{
		ID:             listID,
		OrganizationID: orgID,
		Name:           "Before",
		Rules:          mailing.Rules{{Field: "plan", Operator: mailing.OpEquals, Value: "pro"}},
	}

	rec := doRequest(t, srv, orgID, http.MethodPut, "/api/v1/lists/"+listID.String(),
		map[string]interface{}{"name": "After"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got mailing.List
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "After", got.Name)
	require.Len(t, got.Rules, 1, "stored rules must survive a rename")
	assert.Equal(t, "plan", got.Rules[0].Field)
}

func TestUpdateCampaignResponseReflectsStoredState(t *testing.T) {
	backend := newFakeBackend()
	srv, orgID := newTestServer(backend)

	listID := uuid.New()
	campaignID := uuid.New()
	backend.campaigns[campaignID] = &mailing.Campaign{
		ID:             campaignID,
		OrganizationID: orgID,
		ListID:         listID,
		Subject:        "Old",
		Content:        "Old body",
	}

	rec := doRequest(t, srv, orgID, http.MethodPut, "/api/v1/campaigns/"+campaignID.String(),
		map[string]interface{}{
			"list_id": uuid.New().String(),
			"subject": "New",
			"content": "New body",
		})
	require.Equal(t, http.StatusOK, rec.Code)

	var got mailing.Campaign
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "New", got.Subject)
	assert.Equal(t, listID, got.ListID, "list_id is not updatable; response must show the stored one")
}
