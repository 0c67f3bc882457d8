package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

// parseAssignments turns key=value arguments into fields. A value that is
// valid JSON (number, bool, null, object, array, quoted string) is decoded;
// anything else is taken as a plain string.
func parseAssignments(args []string) (schema.Fields, error) {
	fields := schema.Fields{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (want key=value)", arg)
		}
		fields[key] = parseValue(raw)
	}
	return fields, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts RFC3339, a plain date, a Go duration ("90m") meaning
// that long ago, or natural language like "yesterday" or "3 days ago".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(schema.DateLayout, s, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	r, err := timeParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}
