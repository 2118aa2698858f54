package calls

import (
	"sort"
	"strings"

	"github.com/harunnryd/ringdesk/pkg/store"
)

// FormatTranscript renders logs as "Caller: ..." and "Agent: ..." lines in
// offset order. System lines are skipped. A positive maxChars truncates the
// result at the last whole line that fits.
func FormatTranscript(logs []store.CallLog, maxChars int) string {
	ordered := make([]store.CallLog, len(logs))
	copy(ordered, logs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OffsetSecs < ordered[j].OffsetSecs })

	var b strings.Builder
	for _, l := range ordered {
		msg := strings.Join(strings.Fields(l.Message), " ")
		if msg == "" {
			continue
		}
		var prefix string
		switch l.Role {
		case store.LogCaller:
			prefix = "Caller: "
		case store.LogAgent:
			prefix = "Agent: "
		default:
			continue
		}
		line := prefix + msg
		if maxChars > 0 && b.Len()+len(line)+1 > maxChars {
			if b.Len() == 0 {
				b.WriteString(strings.ToValidUTF8(line[:maxChars], ""))
			}
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

// LogRoleFor maps an ElevenLabs transcript role to a log role.
func LogRoleFor(role string) store.LogRole {
	switch strings.ToLower(role) {
	case "user":
		return store.LogCaller
	case "agent":
		return store.LogAgent
	default:
		return store.LogSystem
	}
}
