package hotctx

import (
	"strings"
)

// FormatSystemInstruction appends the facts in lc to base as plain-text
// blocks, one "## <Section>" heading per section in order of first
// appearance. Facts without a section go under "Context".
//
// The formatter is pure and safe for concurrent use. A nil or empty lc
// returns base unchanged (trimmed).
func FormatSystemInstruction(base string, lc *LiveContext) string {
	base = strings.TrimSpace(base)
	if lc == nil || len(lc.Facts) == 0 {
		return base
	}

	var order []string
	grouped := make(map[string][]string)
	for _, f := range lc.Facts {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		section := strings.TrimSpace(f.Section)
		if section == "" {
			section = "Context"
		}
		if _, seen := grouped[section]; !seen {
			order = append(order, section)
		}
		grouped[section] = append(grouped[section], text)
	}

	var sb strings.Builder
	sb.WriteString(base)
	for _, section := range order {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(section)
		for _, line := range grouped[section] {
			sb.WriteString("\n- ")
			sb.WriteString(line)
		}
	}
	return sb.String()
}
