// ABOUTME: Gmail sync strategy with history-based incremental mode and windowed full mode
// ABOUTME: Threads are fetched in bounded concurrent batches and persisted serially
package sync

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/fetch"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/workflow"
)

const (
	gmailBaseURL       = "https://gmail.googleapis.com/gmail/v1/users/me"
	gmailThreadPage    = 100
	gmailHistoryPage   = 500
	gmailModeFull      = "full"
	gmailModeIncrement = "incremental"
)

type GmailStrategy struct{}

func (GmailStrategy) Type() models.SyncType { return models.SyncTypeEmail }

type gmailPlan struct {
	Mode      string `json:"mode"`
	HistoryID string `json:"historyId,omitempty"`
	Query     string `json:"query"`
}

type historyPage struct {
	ThreadIDs []string `json:"threadIds"`
	Next      string   `json:"next,omitempty"`
	Expired   bool     `json:"expired,omitempty"`
}

type threadPage struct {
	ThreadIDs []string `json:"threadIds"`
	Next      string   `json:"next,omitempty"`
	Estimate  int      `json:"estimate"`
}

type gmailProfile struct {
	HistoryID string    `json:"historyId"`
	Email     string    `json:"email"`
	SyncedAt  time.Time `json:"syncedAt"`
}

func (s GmailStrategy) Run(ctx context.Context, r *Run) (*Outcome, error) {
	plan, err := workflow.Do(ctx, r.Steps, "plan", func(ctx context.Context) (gmailPlan, error) {
		return planGmail(r.State.Gmail(), r.Now(), r.Settings.GmailFullSyncDays), nil
	})
	if err != nil {
		return nil, err
	}

	mode := plan.Mode
	fellBack := false
	threads := 0

	if mode == gmailModeIncrement {
		ids, expired, err := s.collectHistory(ctx, r, plan.HistoryID)
		if err != nil {
			return nil, err
		}
		if expired {
			r.Logger.Info("history id expired, falling back to full sync", zap.String("history_id", plan.HistoryID))
			mode = gmailModeFull
			fellBack = true
		} else {
			r.SetTotal(len(ids))
			r.Report(ctx)
			if err := s.syncThreads(ctx, r, "history", ids); err != nil {
				return nil, err
			}
			threads = len(ids)
		}
	}

	if mode == gmailModeFull {
		n, err := s.fullSync(ctx, r, plan.Query)
		if err != nil {
			return nil, err
		}
		threads = n
	}

	profile, err := workflow.Do(ctx, r.Steps, "profile", func(ctx context.Context) (gmailProfile, error) {
		var p gmail.Profile
		if err := r.Fetch(ctx, costGet, gmailBaseURL+"/profile", &p); err != nil {
			return gmailProfile{}, fmt.Errorf("failed to get mailbox profile: %w", err)
		}
		return gmailProfile{
			HistoryID: strconv.FormatUint(p.HistoryId, 10),
			Email:     p.EmailAddress,
			SyncedAt:  r.Now().UTC(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	status := StatusSuccess
	if mode == gmailModeFull && threads == 0 {
		status = StatusNoMessages
	}
	syncedAt := profile.SyncedAt
	return &Outcome{
		Status: status,
		Cursor: models.GmailCursor{HistoryID: profile.HistoryID, LastSync: &syncedAt},
		Details: map[string]any{
			"mode":      mode,
			"fellBack":  fellBack,
			"threads":   threads,
			"historyId": profile.HistoryID,
		},
	}, nil
}

// planGmail picks incremental mode only when both halves of the cursor exist.
func planGmail(cursor models.GmailCursor, now time.Time, days int) gmailPlan {
	if days <= 0 {
		days = DefaultGmailFullSyncDays
	}
	plan := gmailPlan{
		Mode:  gmailModeFull,
		Query: "after:" + now.AddDate(0, 0, -days).Format("2006/01/02"),
	}
	if cursor.CanIncrement() {
		plan.Mode = gmailModeIncrement
		plan.HistoryID = cursor.HistoryID
	}
	return plan
}

// collectHistory pages through the history feed and returns the distinct
// thread ids touched since historyID, in first-seen order.
func (GmailStrategy) collectHistory(ctx context.Context, r *Run, historyID string) ([]string, bool, error) {
	ids := newOrderedSet(false)
	token := ""

	for page := 1; ; page++ {
		res, err := workflow.Do(ctx, r.Steps, workflow.PageStep("history", page), func(ctx context.Context) (historyPage, error) {
			q := url.Values{}
			q.Set("startHistoryId", historyID)
			q.Set("maxResults", strconv.Itoa(gmailHistoryPage))
			if token != "" {
				q.Set("pageToken", token)
			}

			var resp gmail.ListHistoryResponse
			if err := r.Fetch(ctx, costHistory, gmailBaseURL+"/history?"+q.Encode(), &resp); err != nil {
				if fetch.IsNotFound(err) && page == 1 {
					return historyPage{Expired: true}, nil
				}
				return historyPage{}, fmt.Errorf("failed to list history: %w", err)
			}
			return historyPage{ThreadIDs: historyThreadIDs(resp.History), Next: resp.NextPageToken}, nil
		})
		if err != nil {
			return nil, false, err
		}
		if res.Expired {
			return nil, true, nil
		}
		for _, id := range res.ThreadIDs {
			ids.add(id)
		}
		if res.Next == "" {
			return ids.list(), false, nil
		}
		token = res.Next
	}
}

func historyThreadIDs(records []*gmail.History) []string {
	ids := newOrderedSet(false)
	add := func(m *gmail.Message) {
		if m != nil {
			ids.add(m.ThreadId)
		}
	}
	for _, h := range records {
		for _, m := range h.MessagesAdded {
			add(m.Message)
		}
		for _, m := range h.MessagesDeleted {
			add(m.Message)
		}
		for _, m := range h.LabelsAdded {
			add(m.Message)
		}
		for _, m := range h.LabelsRemoved {
			add(m.Message)
		}
	}
	return ids.list()
}

// fullSync pages through the windowed thread listing. It returns the number
// of threads listed.
func (s GmailStrategy) fullSync(ctx context.Context, r *Run, query string) (int, error) {
	seen := 0
	token := ""

	for page := 1; ; page++ {
		name := workflow.PageStep("threads", page)
		res, err := workflow.Do(ctx, r.Steps, name, func(ctx context.Context) (threadPage, error) {
			q := url.Values{}
			q.Set("q", query)
			q.Set("maxResults", strconv.Itoa(gmailThreadPage))
			if token != "" {
				q.Set("pageToken", token)
			}

			var resp gmail.ListThreadsResponse
			if err := r.Fetch(ctx, costList, gmailBaseURL+"/threads?"+q.Encode(), &resp); err != nil {
				return threadPage{}, fmt.Errorf("failed to list threads: %w", err)
			}
			out := threadPage{Next: resp.NextPageToken, Estimate: int(resp.ResultSizeEstimate)}
			for _, t := range resp.Threads {
				out.ThreadIDs = append(out.ThreadIDs, t.Id)
			}
			return out, nil
		})
		if err != nil {
			return seen, err
		}

		seen += len(res.ThreadIDs)
		r.SetTotal(max(res.Estimate, seen, r.Progress().Total))
		if err := s.syncThreads(ctx, r, name, res.ThreadIDs); err != nil {
			return seen, err
		}

		if res.Next == "" {
			r.SetTotal(seen)
			return seen, nil
		}
		token = res.Next
	}
}

// syncThreads re-fetches ids in batches of ThreadBatchSize, one step per batch.
func (s GmailStrategy) syncThreads(ctx context.Context, r *Run, prefix string, ids []string) error {
	size := r.Settings.ThreadBatchSize
	if size <= 0 {
		size = DefaultThreadBatchSize
	}

	for batch, start := 1, 0; start < len(ids); batch, start = batch+1, start+size {
		chunk := ids[start:min(start+size, len(ids))]
		t, err := workflow.Do(ctx, r.Steps, fmt.Sprintf("%s/batch-%d", prefix, batch), func(ctx context.Context) (tally, error) {
			return s.syncBatch(ctx, r, chunk)
		})
		if err != nil {
			return err
		}
		r.Add(t)
		r.Report(ctx)
	}
	return nil
}

type fetchedThread struct {
	thread  *gmail.Thread
	deleted bool
}

// syncBatch fetches every thread in the chunk concurrently, then transforms
// and persists them in order. Upstream failures abort the batch; transform
// and write failures are counted per thread.
func (s GmailStrategy) syncBatch(ctx context.Context, r *Run, ids []string) (tally, error) {
	results := make([]fetchedThread, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(ids))
	for i, id := range ids {
		g.Go(func() error {
			var t gmail.Thread
			err := r.Fetch(gctx, costGet, gmailBaseURL+"/threads/"+url.PathEscape(id)+"?format=full", &t)
			switch {
			case fetch.IsNotFound(err):
				results[i] = fetchedThread{deleted: true}
			case err != nil:
				return fmt.Errorf("failed to fetch thread %s: %w", id, err)
			default:
				results[i] = fetchedThread{thread: &t}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tally{}, err
	}

	var t tally
	for i, res := range results {
		if err := s.persist(ctx, r, ids[i], res); err != nil {
			r.recordFailure("thread", ids[i], err)
			t.fail()
		} else {
			t.ok()
		}
		r.Tick(ctx, t)
	}
	return t, nil
}

func (GmailStrategy) persist(ctx context.Context, r *Run, id string, res fetchedThread) error {
	database := r.DB()
	if res.deleted {
		return db.DeleteThread(ctx, database, r.Account.ID, id)
	}

	thread, emails, err := transformThread(r.Account, res.thread)
	if err != nil {
		return err
	}
	return db.ReplaceThread(ctx, database, thread, emails)
}
