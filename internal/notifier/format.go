package notifier

import (
	"fmt"
	"strings"
)

// formatSummaryMessage renders the WhatsApp summary message. WhatsApp uses
// *text* for bold and _text_ for italics.
func formatSummaryMessage(summary string, actionItems []string, participantCount int) string {
	var b strings.Builder
	b.WriteString("*Meeting Summary*\n\n")
	b.WriteString(strings.TrimSpace(summary))
	b.WriteString("\n")

	if len(actionItems) > 0 {
		b.WriteString("\n*Action Items*\n")
		for _, item := range actionItems {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(item))
			b.WriteString("\n")
		}
	}

	if participantCount > 0 {
		b.WriteString(fmt.Sprintf("\n_%d participants_", participantCount))
	}
	return strings.TrimRight(b.String(), "\n")
}
