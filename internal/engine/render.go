package engine

import (
	"fmt"
	"strings"
	"time"

	"remibot/internal/schedule"
)

// Renderer turns the structured reminder fields into outgoing message text.
// The engine supplies values; wording lives here so deployments can swap it.
type Renderer func(it *schedule.Item, leadMinutes int, loc *time.Location) string

// RenderReminder is the default message format.
func RenderReminder(it *schedule.Item, leadMinutes int, loc *time.Location) string {
	var b strings.Builder
	local := it.OccurrenceAt.In(loc)
	fmt.Fprintf(&b, "⏰ %s — %s", it.Title, local.Format("2006-01-02 15:04"))
	if leadMinutes >= 60 && leadMinutes%60 == 0 {
		fmt.Fprintf(&b, " (in %dh)", leadMinutes/60)
	} else {
		fmt.Fprintf(&b, " (in %dm)", leadMinutes)
	}
	if len(it.Participants) > 0 {
		mentions := make([]string, len(it.Participants))
		for i, p := range it.Participants {
			mentions[i] = p.String()
		}
		b.WriteString("\n")
		b.WriteString(strings.Join(mentions, " "))
	}
	return b.String()
}
