package formatting

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Source is one numbered reference available to a report
type Source struct {
	Number int
	Title  string
	URL    string
}

// Footer describes how a report was produced
type Footer struct {
	Models      []string
	Mode        string
	Sources     int
	GeneratedAt time.Time
	Fallback    bool
}

var (
	citationRe = regexp.MustCompile(`\[(\d{1,3})\]`)
	sourcesRe  = regexp.MustCompile(`(?im)^#{2,3}\s*(sources|references)\s*$`)
)

// EnsureHeading prepends a top-level heading derived from question when the
// report has none
func EnsureHeading(report, question string) string {
	report = strings.TrimSpace(report)
	for _, line := range strings.Split(report, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "# ") {
			return report
		}
	}
	title := strings.TrimSpace(question)
	if title == "" {
		title = "Research Report"
	}
	return "# " + title + "\n\n" + report
}

// HasSourcesSection reports whether the report already lists its sources
func HasSourcesSection(report string) bool {
	return sourcesRe.MatchString(report)
}

// StripSources returns the report without a trailing sources section
func StripSources(report string) string {
	locs := sourcesRe.FindAllStringIndex(report, -1)
	if len(locs) == 0 {
		return report
	}
	return strings.TrimSpace(report[:locs[len(locs)-1][0]])
}

// AppendSources adds a "## Sources" section built from sources unless the
// report already has one. Sources cited inline come first in numeric order.
func AppendSources(report string, sources []Source) string {
	if HasSourcesSection(report) || len(sources) == 0 {
		return report
	}
	used := CitedNumbers(report)
	sorted := append([]Source(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ui, uj := used[sorted[i].Number], used[sorted[j].Number]
		if ui != uj {
			return ui
		}
		return sorted[i].Number < sorted[j].Number
	})

	var b strings.Builder
	b.WriteString(strings.TrimRight(report, "\n"))
	b.WriteString("\n\n## Sources\n\n")
	for _, s := range sorted {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "[%d] %s - %s\n", s.Number, title, s.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// AppendFooter adds the generation metadata footer
func AppendFooter(report string, f Footer) string {
	models := "unknown"
	if len(f.Models) > 0 {
		models = strings.Join(f.Models, ", ")
	}
	at := f.GeneratedAt
	if at.IsZero() {
		at = time.Now()
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(report, "\n"))
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "*Generated %s by deepdive (%s mode) from %d sources using %s.*",
		at.UTC().Format("2006-01-02 15:04 UTC"), f.Mode, f.Sources, models)
	if f.Fallback {
		b.WriteString("\n*Assembled from evaluation summaries because the synthesis model was unavailable.*")
	}
	return b.String()
}

// CitedNumbers returns the set of [n] markers in text
func CitedNumbers(text string) map[int]bool {
	used := make(map[int]bool)
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}
	return used
}

// CountCitations counts distinct [n] markers in the report body, ignoring a
// trailing sources section
func CountCitations(report string) int {
	return len(CitedNumbers(StripSources(report)))
}

// Headings returns the text of second-level headings
func Headings(report string) []string {
	var out []string
	for _, line := range strings.Split(report, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "## ") {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, "## ")))
		}
	}
	return out
}

// KeyFindings returns up to max bullet lines from the first section whose
// heading mentions key findings
func KeyFindings(report string, max int) []string {
	var out []string
	inBlock := false
	for _, line := range strings.Split(report, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "#") {
			if inBlock {
				break
			}
			lower := strings.ToLower(t)
			inBlock = strings.Contains(lower, "key finding") || strings.Contains(lower, "key takeaway")
			continue
		}
		if !inBlock {
			continue
		}
		if bullet, ok := bulletText(t); ok {
			out = append(out, bullet)
			if max > 0 && len(out) == max {
				break
			}
		}
	}
	return out
}

var numberedRe = regexp.MustCompile(`^\d+[.)]\s+`)

func bulletText(line string) (string, bool) {
	switch {
	case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "), strings.HasPrefix(line, "• "):
		_, rest, _ := strings.Cut(line, " ")
		return strings.TrimSpace(rest), true
	case numberedRe.MatchString(line):
		return strings.TrimSpace(numberedRe.ReplaceAllString(line, "")), true
	}
	return "", false
}

// WordCount counts whitespace-separated words
func WordCount(text string) int {
	return len(strings.Fields(text))
}
