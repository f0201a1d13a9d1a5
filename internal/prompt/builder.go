// Package prompt turns weather snapshots and reader preferences into the
// instruction payload sent to the generation backend.
package prompt

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"weatherfish/internal/llm"
	"weatherfish/internal/weather"
)

// DefaultBudget is the summary length limit in characters. The backends this
// was tuned for have small context windows.
const DefaultBudget = 450

const (
	missingNumber = "N/A"
	missingSky    = "unknown"
	missingPrecip = "none"
)

// Builder builds prompts. The zero value is not usable; use New.
type Builder struct {
	budget int
}

// Option configures a Builder.
type Option func(*Builder)

// WithBudget overrides the summary budget. Non-positive values are ignored.
func WithBudget(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.budget = n
		}
	}
}

func New(opts ...Option) *Builder {
	b := &Builder{budget: DefaultBudget}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Budget returns the effective summary budget.
func (b *Builder) Budget() int { return b.budget }

// Build never fails: missing snapshot fields become placeholders.
func (b *Builder) Build(snapshots []weather.LocationSnapshot, person string, hobbies []string, lang string) llm.Prompt {
	resolved := ResolveLanguage(lang)
	return llm.Prompt{
		System: systemRules(resolved, person, hobbies),
		User:   userContent(resolved, b.Summarize(snapshots)),
	}
}

// Summarize joins one clause per location in order. Whole clauses are
// appended while the result fits the budget; the first clause that does not
// fit ends the summary.
func (b *Builder) Summarize(snapshots []weather.LocationSnapshot) string {
	var (
		sb    strings.Builder
		runes int
	)
	for _, s := range snapshots {
		c := Clause(s)
		n := utf8.RuneCountInString(c)
		if runes > 0 {
			n++ // separator
		}
		if runes+n > b.budget {
			break
		}
		if runes > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(c)
		runes += n
	}
	return sb.String()
}

// Clause renders one location, e.g.
// "Berlin: temp 21°C, feels like 20°C, sky clear, min 15°C, max 24°C, precipitation 0mm."
func Clause(s weather.LocationSnapshot) string {
	sky := strings.TrimSpace(s.Snapshot.Current.Sky)
	if sky == "" {
		sky = missingSky
	}
	precip := strings.TrimSpace(string(s.Snapshot.Today.Precipitation))
	if precip == "" {
		precip = missingPrecip
	}

	var sb strings.Builder
	sb.WriteString(s.Location)
	sb.WriteString(": temp ")
	sb.WriteString(number(s.Snapshot.Current.Temperature))
	sb.WriteString("°C, feels like ")
	sb.WriteString(number(s.Snapshot.Current.FeelsLike))
	sb.WriteString("°C, sky ")
	sb.WriteString(sky)
	sb.WriteString(", min ")
	sb.WriteString(number(s.Snapshot.Today.MinTemp))
	sb.WriteString("°C, max ")
	sb.WriteString(number(s.Snapshot.Today.MaxTemp))
	sb.WriteString("°C, precipitation ")
	sb.WriteString(precip)
	sb.WriteByte('.')
	return sb.String()
}

func number(v *float64) string {
	if v == nil {
		return missingNumber
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func systemRules(lang Language, person string, hobbies []string) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful weather reporter. ")
	sb.WriteString("Write a weather report based on the weather data you are given. ")
	sb.WriteString("Make it sound natural and complete. ")
	sb.WriteString("Write the weather report in ")
	sb.WriteString(lang.Name)
	sb.WriteString(". ")

	if hs := nonEmpty(hobbies); len(hs) > 0 {
		sb.WriteString("Integrate the following hobbies into the report, one per city if possible: ")
		sb.WriteString(strings.Join(hs, ", "))
		sb.WriteString(". ")
	}
	if p := strings.TrimSpace(person); p != "" {
		sb.WriteString("Write the report in the style of ")
		sb.WriteString(p)
		sb.WriteString(". ")
	}

	sb.WriteString("Write exactly five sentences. ")
	sb.WriteString("The first sentence is a general introduction. ")
	sb.WriteString("Each following sentence describes the weather for one city and if possible mentions a hobby. ")
	sb.WriteString("Do not use bullet points. ")
	sb.WriteString("Start immediately with the report.")
	return sb.String()
}

func userContent(lang Language, summary string) string {
	var sb strings.Builder
	sb.WriteString("Language code: ")
	sb.WriteString(lang.Code)
	sb.WriteString("\nWeather summary: ")
	sb.WriteString(summary)
	sb.WriteString("\n\nWrite the report now:")
	return sb.String()
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
