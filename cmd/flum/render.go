package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/flum/internal/catalog"
	"github.com/pders01/flum/internal/freshness"
	"github.com/pders01/flum/internal/search"
	"github.com/pders01/flum/internal/storage"
)

// Colors cool down as an item ages: coral, pink, purple, cyan, slate.
var (
	FreshColor  = lipgloss.Color("#FF6B6B")
	RecentColor = lipgloss.Color("#FF8FB1")
	AgingColor  = lipgloss.Color("#B388EB")
	OldColor    = lipgloss.Color("#4ECDC4")
	StaleColor  = lipgloss.Color("#64748B")

	TextColor    = lipgloss.Color("#EAEAEA")
	MutedColor   = lipgloss.Color("#94A3B8")
	SuccessColor = lipgloss.Color("#10B981")
)

var stageStyles = map[freshness.Stage]lipgloss.Style{
	freshness.Fresh:  lipgloss.NewStyle().Foreground(FreshColor).Bold(true),
	freshness.Recent: lipgloss.NewStyle().Foreground(RecentColor).Bold(true),
	freshness.Aging:  lipgloss.NewStyle().Foreground(AgingColor),
	freshness.Old:    lipgloss.NewStyle().Foreground(OldColor),
	freshness.Stale:  lipgloss.NewStyle().Foreground(StaleColor).Faint(true),
}

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(OldColor).
			Bold(true)

	TimeStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Faint(true)

	URLStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	DescriptionStyle = lipgloss.NewStyle().
				Foreground(TextColor).
				PaddingLeft(2)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(SuccessColor)
)

const descriptionWidth = 120

// renderItems writes items newest first, styled by freshness. Items past
// the display window are skipped unless showAll is set.
func renderItems(w io.Writer, items []storage.StoredItem, now time.Time, showAll bool) int {
	shown := 0
	for _, it := range items {
		if !showAll && freshness.IsExpired(it.PublishedAt, it.FetchedAt, now) {
			continue
		}
		renderItem(w, it, now)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(w, TimeStyle.Render("No items."))
	}
	return shown
}

func renderItem(w io.Writer, it storage.StoredItem, now time.Time) {
	stage := freshness.StageFor(it.PublishedAt, now)
	title := stageStyles[stage].Render(it.Title)
	fmt.Fprintf(w, "%s  %s\n", title, TimeStyle.Render(formatAge(it.PublishedAt, now)))
	fmt.Fprintf(w, "  %s\n", URLStyle.Render(it.URL))
	if desc := singleLine(it.OGDescription); desc != "" {
		fmt.Fprintln(w, DescriptionStyle.Render(clip(desc, descriptionWidth)))
	}
	if img := firstNonEmpty(it.OGImage, it.ThumbnailURL); img != "" {
		fmt.Fprintf(w, "  %s\n", URLStyle.Render("image: "+img))
	}
}

func renderSearchResults(w io.Writer, results []*search.Result, now time.Time) {
	if len(results) == 0 {
		fmt.Fprintln(w, TimeStyle.Render("No matches."))
		return
	}
	for _, r := range results {
		stage := freshness.StageFor(r.Item.PublishedAt, now)
		fmt.Fprintf(w, "%s  %s\n", stageStyles[stage].Render(r.Item.Title), TimeStyle.Render(fmt.Sprintf("%.2f", r.Score)))
		fmt.Fprintf(w, "  %s\n", URLStyle.Render(r.Item.URL))
	}
}

func renderChannels(w io.Writer, channels []catalog.Channel) {
	if len(channels) == 0 {
		fmt.Fprintln(w, TimeStyle.Render("No channels."))
		return
	}
	for _, ch := range channels {
		fmt.Fprintf(w, "%s  %s\n", HeaderStyle.Render(ch.Name), TimeStyle.Render(ch.ID))
	}
}

func renderSources(w io.Writer, sources []catalog.Source, now time.Time) {
	if len(sources) == 0 {
		fmt.Fprintln(w, TimeStyle.Render("No sources."))
		return
	}
	for _, s := range sources {
		fetched := "never fetched"
		if s.LastFetchedAt != nil {
			fetched = "fetched " + formatAge(s.LastFetchedAt, now)
		}
		fmt.Fprintf(w, "%s  %s\n", HeaderStyle.Render(s.Name), TimeStyle.Render(s.ID))
		fmt.Fprintf(w, "  %s  %s\n", URLStyle.Render(s.URL), TimeStyle.Render(fetched))
	}
}

// formatAge renders a coarse relative time.
func formatAge(t *time.Time, now time.Time) string {
	if t == nil {
		return "undated"
	}
	d := now.Sub(*t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
