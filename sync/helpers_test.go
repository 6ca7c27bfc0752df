package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/gmail/v1"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/fetch"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/ratelimit"
)

const gmailPath = "/gmail/v1/users/me"

type handlerFunc func(path string, q url.Values) (any, error)

// fakeFetcher answers fetch requests by URL path and counts calls per path.
type fakeFetcher struct {
	mu     stdsync.Mutex
	exact  map[string]handlerFunc
	prefix map[string]handlerFunc
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		exact:  make(map[string]handlerFunc),
		prefix: make(map[string]handlerFunc),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) handle(path string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exact[path] = h
}

func (f *fakeFetcher) handlePrefix(prefix string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix[prefix] = h
}

func (f *fakeFetcher) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) Do(_ context.Context, req fetch.Request) (json.RawMessage, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls[u.Path]++
	h := f.exact[u.Path]
	if h == nil {
		for p, ph := range f.prefix {
			if strings.HasPrefix(u.Path, p) {
				h = ph
				break
			}
		}
	}
	f.mu.Unlock()

	if h == nil {
		return nil, &fetch.UpstreamError{Status: http.StatusNotFound, Message: "no route for " + u.Path}
	}
	v, err := h(u.Path, u.Query())
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

type testEnv struct {
	svc     *Service
	db      *sql.DB
	account *models.Account
	fetcher *fakeFetcher
}

func setupDB(t *testing.T) (*sql.DB, *models.Account) {
	t.Helper()

	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	account := &models.Account{
		UserID:            "user-1",
		ExternalAccountID: "apn_123",
		Email:             "me@example.com",
		Provider:          models.ProviderGoogle,
	}
	require.NoError(t, db.CreateAccount(context.Background(), database, account))
	return database, account
}

func setupService(t *testing.T, f *fakeFetcher, opts ...Option) *testEnv {
	t.Helper()

	database, account := setupDB(t)
	limits := ratelimit.NewRegistry(1000, 1000, time.Second)
	all := append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return &testEnv{
		svc:     NewService(database, f, limits, all...),
		db:      database,
		account: account,
		fetcher: f,
	}
}

func testMessage(id, threadID string, at time.Time, labels ...string) *gmail.Message {
	return &gmail.Message{
		Id:           id,
		ThreadId:     threadID,
		LabelIds:     labels,
		Snippet:      "snippet " + id,
		InternalDate: at.UnixMilli(),
		Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
			{Name: "From", Value: "Alice <alice@example.com>"},
			{Name: "To", Value: "me@example.com, Bob <bob@example.com>"},
			{Name: "Subject", Value: "Subject " + threadID},
		}},
	}
}

func testThread(id string, at time.Time) *gmail.Thread {
	return &gmail.Thread{Id: id, Messages: []*gmail.Message{testMessage(id+"-m1", id, at)}}
}

// routeGmail serves the thread listing in the given pages, each thread by id,
// and a profile with historyId 900.
func routeGmail(f *fakeFetcher, threads map[string]*gmail.Thread, pages [][]string) {
	total := 0
	for _, p := range pages {
		total += len(p)
	}
	f.handle(gmailPath+"/threads", func(_ string, q url.Values) (any, error) {
		idx := 0
		if tok := q.Get("pageToken"); tok != "" {
			idx, _ = strconv.Atoi(strings.TrimPrefix(tok, "p"))
		}
		resp := &gmail.ListThreadsResponse{ResultSizeEstimate: int64(total)}
		if idx < len(pages) {
			for _, id := range pages[idx] {
				resp.Threads = append(resp.Threads, &gmail.Thread{Id: id})
			}
		}
		if idx+1 < len(pages) {
			resp.NextPageToken = fmt.Sprintf("p%d", idx+1)
		}
		return resp, nil
	})
	f.handlePrefix(gmailPath+"/threads/", func(path string, _ url.Values) (any, error) {
		id := strings.TrimPrefix(path, gmailPath+"/threads/")
		t, ok := threads[id]
		if !ok {
			return nil, &fetch.UpstreamError{Status: http.StatusNotFound, Message: "Requested entity was not found."}
		}
		return t, nil
	})
	f.handle(gmailPath+"/profile", func(string, url.Values) (any, error) {
		return &gmail.Profile{EmailAddress: "me@example.com", HistoryId: 900}, nil
	})
}

func requireIdle(t *testing.T, env *testEnv, syncType models.SyncType) *models.SyncStatus {
	t.Helper()
	status, err := env.svc.GetSyncStatus(context.Background(), env.account.ID, syncType)
	require.NoError(t, err)
	require.False(t, status.IsSyncing, "lock must be released after every run")
	return status
}
