// ABOUTME: Terminal rendering for sync status, results, accounts, and jobs
// ABOUTME: Styled with lipgloss; plain text when stdout is not a terminal
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/sync"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Underline(true)

	typeStyle = lipgloss.NewStyle().
			Bold(true).
			Width(10)

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	syncingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func renderStatus(account *models.Account, statuses []*models.SyncStatus, now time.Time) string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf("%s (%s)", account.Email, account.ID)))
	s.WriteString("\n")
	if !account.IsActive {
		s.WriteString(mutedStyle.Render("inactive: scheduled syncs skip this account"))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	for _, st := range statuses {
		s.WriteString(typeStyle.Render(string(st.Type)))
		switch {
		case st.IsSyncing:
			s.WriteString(syncingStyle.Render(fmt.Sprintf("  syncing %s", progress(st.ProcessedItems, st.FailedItems, st.TotalItems))))
			if st.JobID != "" {
				s.WriteString(mutedStyle.Render(" • job " + st.JobID))
			}
		case st.LastError != nil:
			s.WriteString(errorStyle.Render("  error: " + *st.LastError))
		case st.LastSyncComplete != nil:
			s.WriteString(idleStyle.Render("  idle"))
			s.WriteString(mutedStyle.Render(fmt.Sprintf(" • last synced %s • %s",
				formatTimeSince(*st.LastSyncComplete, now), progress(st.ProcessedItems, st.FailedItems, st.TotalItems))))
		default:
			s.WriteString(mutedStyle.Render("  not synced yet"))
		}
		s.WriteString("\n")
	}
	return s.String()
}

func renderResult(syncType models.SyncType, r *sync.Result) string {
	line := typeStyle.Render(string(syncType))
	switch r.Status {
	case sync.StatusSuccess:
		return line + idleStyle.Render("  done ") + progress(r.Processed, r.Failed, r.Total)
	case sync.StatusAlreadySyncing:
		return line + syncingStyle.Render("  already syncing")
	case sync.StatusError:
		return line + errorStyle.Render("  failed: "+r.Message)
	}
	return line + mutedStyle.Render("  "+strings.ReplaceAll(string(r.Status), "_", " "))
}

func renderAccounts(accounts []*models.Account, now time.Time) string {
	if len(accounts) == 0 {
		return mutedStyle.Render("No accounts. Add one with 'mailsync account add'.") + "\n"
	}
	var s strings.Builder
	s.WriteString(headerStyle.Render("Accounts"))
	s.WriteString("\n\n")
	for _, a := range accounts {
		state := idleStyle.Render("active")
		if !a.IsActive {
			state = mutedStyle.Render("inactive")
		}
		last := "never"
		if a.LastSyncedAt != nil {
			last = formatTimeSince(*a.LastSyncedAt, now)
		}
		fmt.Fprintf(&s, "%s  %-30s %-8s %s\n", a.ID, a.Email, state, mutedStyle.Render("synced "+last))
	}
	return s.String()
}

func renderJobs(jobs []*models.SyncJob, now time.Time) string {
	if len(jobs) == 0 {
		return mutedStyle.Render("No sync jobs yet.") + "\n"
	}
	var s strings.Builder
	s.WriteString(headerStyle.Render("Recent jobs"))
	s.WriteString("\n\n")
	for _, j := range jobs {
		status := string(j.Status)
		switch j.Status {
		case models.JobCompleted:
			status = idleStyle.Render(status)
		case models.JobFailed, models.JobCancelled:
			status = errorStyle.Render(status)
		case models.JobProcessing:
			status = syncingStyle.Render(status)
		}
		fmt.Fprintf(&s, "%s  %s %-10s %s %s", j.ID, typeStyle.Render(string(j.Type)), status,
			progress(j.ProcessedItems, j.FailedItems, j.TotalItems), mutedStyle.Render(formatTimeSince(j.CreatedAt, now)))
		if j.Error != nil {
			s.WriteString(errorStyle.Render(" • " + *j.Error))
		}
		s.WriteString("\n")
	}
	return s.String()
}

func progress(processed, failed, total int) string {
	out := fmt.Sprintf("%d/%d", processed, total)
	if failed > 0 {
		out += fmt.Sprintf(" (%d failed)", failed)
	}
	return out
}

func formatTimeSince(t, now time.Time) string {
	duration := now.Sub(t)

	if duration < time.Minute {
		return "just now"
	} else if duration < time.Hour {
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	} else if duration < 24*time.Hour {
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
