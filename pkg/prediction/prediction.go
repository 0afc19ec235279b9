// Package prediction builds LLM prompts from match data and validates the
// generated previews before they are cached.
package prediction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matchcast/matchcast/pkg/matchdata"
)

// MinLength is the minimum accepted preview length in characters.
const MinLength = 800

// RequiredSections must each appear in an accepted preview.
var RequiredSections = []string{
	"Match Overview",
	"Form Analysis",
	"Key Factors",
	"Prediction",
	"Confidence",
}

// ErrInvalidPrediction is returned by Validate.
var ErrInvalidPrediction = errors.New("invalid prediction")

// Prediction is the document stored in the prediction category.
type Prediction struct {
	FixtureID   int       `json:"fixture_id"`
	HomeTeam    string    `json:"home_team"`
	AwayTeam    string    `json:"away_team"`
	League      string    `json:"league"`
	Kickoff     time.Time `json:"kickoff"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`
}

// New builds the cached document for md.
func New(md *matchdata.MatchData, text string, now time.Time) Prediction {
	f := md.Fixture
	return Prediction{
		FixtureID:   f.ID,
		HomeTeam:    f.HomeTeam,
		AwayTeam:    f.AwayTeam,
		League:      f.LeagueName,
		Kickoff:     f.Kickoff,
		Text:        text,
		GeneratedAt: now.UTC(),
	}
}

// Marshal encodes p for the cache store.
func (p Prediction) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}

// Validate accepts text only if it is long enough and names every required
// section. Section matching is case-insensitive.
func Validate(text string) error {
	n := len([]rune(strings.TrimSpace(text)))
	if n < MinLength {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrInvalidPrediction, n, MinLength)
	}

	lower := strings.ToLower(text)
	var missing []string
	for _, section := range RequiredSections {
		if !strings.Contains(lower, strings.ToLower(section)) {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing sections %s", ErrInvalidPrediction, strings.Join(missing, ", "))
	}
	return nil
}
