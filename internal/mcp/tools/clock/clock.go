// Package clock provides builtin time tools so the model can answer "what
// time is it in Tokyo" without guessing:
//   - "current_time" reports the time in an IANA zone (default: local).
//   - "convert_time" converts a wall-clock time between two zones.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucaos/voicelive/internal/mcp/tools"
	"github.com/lucaos/voicelive/pkg/types"
)

// wallLayouts are the accepted forms of convert_time's "time" argument.
var wallLayouts = []string{"15:04", "2006-01-02 15:04", time.RFC3339}

type currentArgs struct {
	Timezone string `json:"timezone"`
}

type convertArgs struct {
	Time string `json:"time"`
	From string `json:"from"`
	To   string `json:"to"`
}

type timeResult struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
	UTCOffset string `json:"utc_offset"`
}

// Clock serves the time tools. The zero value uses [time.Now] and the
// process's local zone.
type Clock struct {
	// Now overrides the time source.
	Now func() time.Time
}

func (c Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("clock: unknown timezone %q, use an IANA name such as Europe/Berlin", name)
	}
	return loc, nil
}

func describe(t time.Time) timeResult {
	return timeResult{
		Timezone: t.Location().String(),
		Time:     t.Format("2006-01-02 15:04"),
		Weekday:  t.Weekday().String(),
		UTCOffset: t.Format("-07:00"),
	}
}

func decode(tool, args string, v any) error {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("clock: %s: bad arguments: %w", tool, err)
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("clock: encode result: %w", err)
	}
	return string(b), nil
}

func (c Clock) current(_ context.Context, args string) (string, error) {
	var a currentArgs
	if err := decode("current_time", args, &a); err != nil {
		return "", err
	}
	loc, err := location(a.Timezone)
	if err != nil {
		return "", err
	}
	return encode(describe(c.now().In(loc)))
}

func (c Clock) convert(_ context.Context, args string) (string, error) {
	var a convertArgs
	if err := decode("convert_time", args, &a); err != nil {
		return "", err
	}
	from, err := location(a.From)
	if err != nil {
		return "", err
	}
	to, err := location(a.To)
	if err != nil {
		return "", err
	}

	src, err := parseWall(strings.TrimSpace(a.Time), from, c.now().In(from))
	if err != nil {
		return "", err
	}
	return encode(map[string]timeResult{
		"from": describe(src),
		"to":   describe(src.In(to)),
	})
}

// parseWall parses s in loc. A bare "15:04" is taken on today's date in loc.
func parseWall(s string, loc *time.Location, today time.Time) (time.Time, error) {
	for _, layout := range wallLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		if layout == "15:04" {
			y, m, d := today.Date()
			t = time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("clock: convert_time: cannot parse time %q, use HH:MM or YYYY-MM-DD HH:MM", s)
}

func zoneParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Tools returns the time tools bound to c.
func (c Clock) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "current_time",
				Description: "Get the current date, time and weekday, optionally in another timezone.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"timezone": zoneParam("IANA timezone such as America/New_York. Omit for the user's local time.")},
				},
				Idempotent: true,
			},
			Handler:     c.current,
			DeclaredP50: 1,
			DeclaredMax: 10,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "convert_time",
				Description: "Convert a time of day from one timezone to another.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"time": map[string]any{"type": "string", "description": "Time as HH:MM or YYYY-MM-DD HH:MM."},
						"from": zoneParam("Source IANA timezone. Omit for local time."),
						"to":   zoneParam("Target IANA timezone."),
					},
					"required": []string{"time", "to"},
				},
				Idempotent: true,
			},
			Handler:     c.convert,
			DeclaredP50: 1,
			DeclaredMax: 10,
		},
	}
}
