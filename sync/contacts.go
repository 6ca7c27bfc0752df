// ABOUTME: Google Contacts sync strategy plus the email-history enrichment pass
// ABOUTME: Contacts without an email or phone carry no identity and are skipped
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"google.golang.org/api/people/v1"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/workflow"
)

const (
	peopleConnectionsURL = "https://people.googleapis.com/v1/people/me/connections"
	personFields         = "names,emailAddresses,phoneNumbers,organizations,photos"
	contactsPageSize     = "1000"
)

type ContactsStrategy struct{}

func (ContactsStrategy) Type() models.SyncType { return models.SyncTypeContacts }

type contactsPage struct {
	Next     string `json:"next,omitempty"`
	Estimate int    `json:"estimate"`
	Seen     int    `json:"seen"`
	Tally    tally  `json:"tally"`
}

type enrichResult struct {
	Addresses int `json:"addresses"`
	Derived   int `json:"derived"`
}

func (s ContactsStrategy) Run(ctx context.Context, r *Run) (*Outcome, error) {
	seen, estimate := 0, 0
	token := ""

	for page := 1; ; page++ {
		res, err := workflow.Do(ctx, r.Steps, workflow.PageStep("contacts", page), func(ctx context.Context) (contactsPage, error) {
			return s.syncPage(ctx, r, token)
		})
		if err != nil {
			return nil, err
		}

		if page == 1 {
			estimate = res.Estimate
		}
		seen += res.Seen
		r.Add(res.Tally)
		r.SetTotal(max(estimate, seen))
		r.Report(ctx)

		if res.Next == "" {
			break
		}
		token = res.Next
	}
	// the first-page estimate is approximate; the records actually seen are not
	r.SetTotal(seen)

	enriched, err := workflow.Do(ctx, r.Steps, "enrich", func(ctx context.Context) (enrichResult, error) {
		return enrichContacts(ctx, r.DB(), r.Account)
	})
	if err != nil {
		return nil, err
	}

	stored, err := db.CountContacts(ctx, r.DB(), r.Account.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to count contacts: %w", err)
	}

	now := r.Now().UTC()
	return &Outcome{
		Status: StatusSuccess,
		Cursor: models.ContactsCursor{LastSync: &now},
		Details: map[string]any{
			"contactsProcessed": r.Progress().Processed,
			"totalContacts":     r.Progress().Total,
			"storedContacts":    stored,
			"contactsDerived":   enriched.Derived,
		},
	}, nil
}

func (ContactsStrategy) syncPage(ctx context.Context, r *Run, token string) (contactsPage, error) {
	q := url.Values{}
	q.Set("personFields", personFields)
	q.Set("pageSize", contactsPageSize)
	if token != "" {
		q.Set("pageToken", token)
	}

	var resp people.ListConnectionsResponse
	if err := r.Fetch(ctx, costHistory, peopleConnectionsURL+"?"+q.Encode(), &resp); err != nil {
		return contactsPage{}, fmt.Errorf("failed to list contacts: %w", err)
	}

	page := contactsPage{Next: resp.NextPageToken, Estimate: int(resp.TotalPeople)}
	if page.Estimate == 0 {
		page.Estimate = int(resp.TotalItems)
	}

	for _, person := range resp.Connections {
		c := convertPerson(r.Account, person)
		if c == nil {
			continue
		}
		page.Seen++

		var err error
		if c.Email != "" {
			err = db.UpsertContactByEmail(ctx, r.DB(), c)
		} else {
			err = db.UpsertContactByPhone(ctx, r.DB(), c)
		}
		if err != nil {
			r.recordFailure("contact", person.ResourceName, err)
			page.Tally.fail()
		} else {
			page.Tally.ok()
		}
		r.Tick(ctx, page.Tally)
	}
	return page, nil
}

// convertPerson maps a People API person, preferring primary email and phone
// entries. It returns nil when the person has neither.
func convertPerson(account *models.Account, person *people.Person) *models.Contact {
	if person == nil {
		return nil
	}
	c := &models.Contact{
		UserID:       account.UserID,
		AccountID:    account.ID,
		ResourceName: person.ResourceName,
		Source:       models.ContactSourceGoogle,
	}

	if len(person.Names) > 0 {
		c.Name = person.Names[0].DisplayName
	}

	for _, e := range person.EmailAddresses {
		if e == nil || e.Value == "" {
			continue
		}
		if c.Email == "" {
			c.Email = e.Value
		}
		if e.Metadata != nil && e.Metadata.Primary {
			c.Email = e.Value
			break
		}
	}

	for _, p := range person.PhoneNumbers {
		if p == nil || p.Value == "" {
			continue
		}
		if c.Phone == "" {
			c.Phone = p.Value
		}
		if p.Metadata != nil && p.Metadata.Primary {
			c.Phone = p.Value
			break
		}
	}

	if c.Email == "" && c.Phone == "" {
		return nil
	}

	if len(person.Organizations) > 0 && person.Organizations[0] != nil {
		c.Company = person.Organizations[0].Name
		c.JobTitle = person.Organizations[0].Title
	}
	if len(person.Photos) > 0 && person.Photos[0] != nil && !person.Photos[0].Default {
		c.PhotoURL = person.Photos[0].Url
	}
	return c
}

// enrichContacts rescans every stored email for the user and recomputes
// interaction stats in one batch. Each message counts once per address.
func enrichContacts(ctx context.Context, database *sql.DB, account *models.Account) (enrichResult, error) {
	messages, err := db.ListEmailParticipants(ctx, database, account.UserID)
	if err != nil {
		return enrichResult{}, err
	}

	self := strings.ToLower(account.Email)
	byAddr := make(map[string]*db.ContactStat)

	for _, m := range messages {
		touched := newAddressSet()
		touched.add(m.FromAddress)
		for _, a := range m.To {
			touched.add(a)
		}
		for _, a := range m.Cc {
			touched.add(a)
		}

		for _, addr := range touched.list() {
			if addr == self || !strings.Contains(addr, "@") {
				continue
			}
			st, ok := byAddr[addr]
			if !ok {
				st = &db.ContactStat{Email: addr}
				byAddr[addr] = st
			}
			st.Count++
			if m.SentAt.After(st.LastAt) {
				st.LastAt = m.SentAt
			}
			if st.Name == "" && addr == strings.ToLower(m.FromAddress) {
				st.Name = m.FromName
			}
		}
	}

	stats := make([]db.ContactStat, 0, len(byAddr))
	for _, st := range byAddr {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Email < stats[j].Email })

	derived, err := db.ApplyContactStats(ctx, database, account.UserID, account.ID, stats, true)
	if err != nil {
		return enrichResult{}, fmt.Errorf("failed to apply contact stats: %w", err)
	}
	return enrichResult{Addresses: len(stats), Derived: derived}, nil
}
