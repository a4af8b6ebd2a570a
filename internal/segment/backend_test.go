package segment

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbeam/mailbeam/internal/attr"
	"github.com/mailbeam/mailbeam/internal/mailing"
)

func TestPushdownBackendResolve(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	orgID, listID := uuid.New(), uuid.New()
	list := &mailing.List{
		ID:             listID,
		OrganizationID: orgID,
		Rules:          mailing.Rules{{Field: "plan", Operator: mailing.OpEquals, Value: "pro"}},
	}

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "organization_id", "email", "attributes", "created_at", "updated_at"}).
		AddRow(uuid.New(), orgID, "a@example.com", []byte(`{"plan":"pro"}`), now, now)
	mock.ExpectQuery(`SELECT .+ FROM subscribers s\s+JOIN list_subscribers ls`).
		WithArgs(listID, orgID, "plan", "pro").
		WillReturnRows(rows)

	subs, err := NewPushdownBackend(db).Resolve(context.Background(), list)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "a@example.com", subs[0].Email)
	assert.Equal(t, "pro", subs[0].Attributes["plan"])
}

func TestPushdownBackendCount(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	orgID, listID := uuid.New(), uuid.New()
	list := &mailing.List{ID: listID, OrganizationID: orgID}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM subscribers s`).
		WithArgs(listID, orgID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := NewPushdownBackend(db).Count(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

// Backends must agree: the memory backend filtering a member set and the
// evaluator seeing the same attributes produce identical membership.
func TestMemoryBackendMatchesEvaluator(t *testing.T) {
	store, list, members := newFixture(t)
	list.Rules = mailing.Rules{
		{Field: "plan", Operator: mailing.OpEquals, Value: "pro"},
		{Field: "age", Operator: mailing.OpGreaterThan, Value: "18"},
	}

	subs, err := NewMemoryBackend(store).Resolve(context.Background(), list)
	require.NoError(t, err)

	want := 0
	for _, m := range members {
		if MatchesAll(m.Attributes, list.Rules) {
			want++
		}
	}
	assert.Len(t, subs, want)
	for _, sub := range subs {
		assert.True(t, MatchesAll(sub.Attributes, list.Rules))
	}
}

func TestMemoryBackendHandlesUntypedAttributes(t *testing.T) {
	orgID := uuid.New()
	list := &mailing.List{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Rules:          mailing.Rules{{Field: "spend", Operator: mailing.OpGreaterThan, Value: "50"}},
	}
	store := &fakeStore{
		lists: map[uuid.UUID]*mailing.List{list.ID: list},
		members: map[uuid.UUID][]*mailing.Subscriber{list.ID: {
			subscriber(orgID, "num@example.com", attr.Map{"spend": "99.50"}),
			subscriber(orgID, "text@example.com", attr.Map{"spend": "lots"}),
		}},
	}

	subs, err := NewMemoryBackend(store).Resolve(context.Background(), list)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "num@example.com", subs[0].Email)
}
