package sync

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/people/v1"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
)

const connectionsPath = "/v1/people/me/connections"

func person(resource, name, email string) *people.Person {
	p := &people.Person{ResourceName: resource}
	if name != "" {
		p.Names = []*people.Name{{DisplayName: name}}
	}
	if email != "" {
		p.EmailAddresses = []*people.EmailAddress{{Value: email}}
	}
	return p
}

func seedThread(t *testing.T, env *testEnv, id string) {
	t.Helper()
	ctx := context.Background()
	thread, emails, err := transformThread(env.account, testThread(id, time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	require.NoError(t, db.UpsertThread(ctx, env.db, thread))
	for _, e := range emails {
		require.NoError(t, db.UpsertEmail(ctx, env.db, e))
	}
}

func TestContactsSyncPaginatesAndEnriches(t *testing.T) {
	f := newFakeFetcher()
	var fields []string
	f.handle(connectionsPath, func(_ string, q url.Values) (any, error) {
		fields = append(fields, q.Get("personFields"))
		if q.Get("pageToken") == "" {
			return &people.ListConnectionsResponse{
				TotalPeople: 4,
				Connections: []*people.Person{
					person("people/c1", "Alice", "Alice@Example.com"),
					person("people/c2", "No Identity", ""),
				},
				NextPageToken: "next",
			}, nil
		}
		return &people.ListConnectionsResponse{Connections: []*people.Person{
			{ResourceName: "people/c3", Names: []*people.Name{{DisplayName: "Carol"}},
				PhoneNumbers: []*people.PhoneNumber{{Value: "+1 555 0101"}}},
			person("people/c4", "Dave", "dave@example.com"),
		}}, nil
	})

	env := setupService(t, f)
	ctx := context.Background()
	seedThread(t, env, "T1")
	seedThread(t, env, "T2")

	res, err := env.svc.StartSync(ctx, env.account.ID, models.SyncTypeContacts, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Total, "total settles on records actually seen")
	assert.Equal(t, 1, res.Details["contactsDerived"])
	assert.Equal(t, 3, res.Details["totalContacts"], "upstream contacts seen this run")
	assert.Equal(t, 4, res.Details["storedContacts"], "includes the contact derived from mail")
	assert.Equal(t, []string{personFields, personFields}, fields)

	alice, err := db.GetContactByEmail(ctx, env.db, env.account.UserID, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ContactSourceGoogle, alice.Source)
	assert.Equal(t, 2, alice.InteractionCount)
	assert.Equal(t, models.StrengthFromInteractions(2), alice.RelationshipStrength)
	assert.NotNil(t, alice.LastInteractionAt)

	bob, err := db.GetContactByEmail(ctx, env.db, env.account.UserID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ContactSourceDerived, bob.Source)
	assert.Equal(t, 2, bob.InteractionCount)

	carol, err := db.GetContactByPhone(ctx, env.db, env.account.UserID, "+1 555 0101")
	require.NoError(t, err)
	assert.Equal(t, "Carol", carol.Name)

	_, err = db.GetContactByEmail(ctx, env.db, env.account.UserID, "me@example.com")
	assert.ErrorIs(t, err, db.ErrNotFound, "the account owner is never a contact")

	account, err := db.GetAccount(ctx, env.db, env.account.ID)
	require.NoError(t, err)
	assert.NotNil(t, account.SyncState.ContactsLastSync)
	requireIdle(t, env, models.SyncTypeContacts)
}

func TestContactsResyncDoesNotDuplicate(t *testing.T) {
	f := newFakeFetcher()
	f.handle(connectionsPath, func(string, url.Values) (any, error) {
		return &people.ListConnectionsResponse{Connections: []*people.Person{
			person("people/c1", "Alice", "alice@example.com"),
		}}, nil
	})
	env := setupService(t, f)
	ctx := context.Background()

	for range 2 {
		res, err := env.svc.StartSync(ctx, env.account.ID, models.SyncTypeContacts, "")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Details["totalContacts"])
	}
	n, err := db.CountContacts(ctx, env.db, env.account.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConvertPersonPrefersPrimary(t *testing.T) {
	account := &models.Account{ID: "acc", UserID: "user-1"}
	p := &people.Person{
		ResourceName: "people/c9",
		Names:        []*people.Name{{DisplayName: "Erin"}},
		EmailAddresses: []*people.EmailAddress{
			{Value: "erin@old.example.com"},
			{Value: "erin@example.com", Metadata: &people.FieldMetadata{Primary: true}},
		},
		PhoneNumbers: []*people.PhoneNumber{
			{Value: ""},
			{Value: "+1 555 0199"},
		},
		Organizations: []*people.Organization{{Name: "Acme", Title: "CTO"}},
		Photos:        []*people.Photo{{Url: "https://photos.example.com/default", Default: true}},
	}

	c := convertPerson(account, p)
	require.NotNil(t, c)
	assert.Equal(t, "erin@example.com", c.Email)
	assert.Equal(t, "+1 555 0199", c.Phone)
	assert.Equal(t, "Acme", c.Company)
	assert.Equal(t, "CTO", c.JobTitle)
	assert.Empty(t, c.PhotoURL, "default avatars are not stored")

	assert.Nil(t, convertPerson(account, &people.Person{Names: []*people.Name{{DisplayName: "Ghost"}}}))
	assert.Nil(t, convertPerson(account, nil))
}
