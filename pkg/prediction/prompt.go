package prediction

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/matchcast/matchcast/pkg/matchdata"
)

// maxSectionChars bounds each embedded JSON block.
const maxSectionChars = 6000

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"data":     dataBlock,
	"sections": func() []string { return RequiredSections },
}).Parse(`Write a match preview for {{.Fixture.HomeTeam}} vs {{.Fixture.AwayTeam}}.

Competition: {{.Fixture.LeagueName}} {{.Fixture.Season}}{{with .Fixture.Round}} ({{.}}){{end}}
Kickoff: {{.Fixture.Kickoff.Format "Mon 2 Jan 2006 15:04 MST"}}{{with .Fixture.Venue}}
Venue: {{.}}{{end}}

Home team season statistics:
{{data .HomeStats}}

Away team season statistics:
{{data .AwayStats}}

Recent head-to-head results:
{{data .HeadToHead}}

League standings:
{{data .Standings}}

Reported injuries and absences:
{{data .Injuries}}

Structure the preview with these headed sections, in order:
{{range sections}}- {{.}}
{{end}}
Base every claim on the data above. In the Prediction section give a scoreline. In the Confidence section give Low, Medium or High with one sentence of reasoning. Aim for 600 to 900 words.
`))

// BuildPrompt renders the prompt for md.
func BuildPrompt(md *matchdata.MatchData) (string, error) {
	if md == nil {
		return "", fmt.Errorf("build prompt: no match data")
	}
	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, md); err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}
	return sb.String(), nil
}

func dataBlock(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "(not available)"
	}
	s := string(raw)
	if len(s) > maxSectionChars {
		cut := maxSectionChars
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + " ...(truncated)"
	}
	return s
}
