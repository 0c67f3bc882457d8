package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    schema.Fields
		wantErr bool
	}{
		{
			name: "mixed values",
			args: []string{"internalCode=PQ-001", "weight=412.5", "active=true", "notes=null", "birthDate=2024-01-01"},
			want: schema.Fields{
				"internalCode": "PQ-001",
				"weight":       412.5,
				"active":       true,
				"notes":        nil,
				"birthDate":    "2024-01-01",
			},
		},
		{
			name: "leading zero stays text",
			args: []string{"code=007"},
			want: schema.Fields{"code": "007"},
		},
		{
			name: "json object and quoted string",
			args: []string{`attributes={"color":"black"}`, `code="42"`},
			want: schema.Fields{"attributes": map[string]any{"color": "black"}, "code": "42"},
		},
		{
			name: "value with equals sign",
			args: []string{"notes=a=b"},
			want: schema.Fields{"notes": "a=b"},
		},
		{name: "missing equals", args: []string{"internalCode"}, wantErr: true},
		{name: "empty key", args: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAssignments(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAssignments() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-06-01T08:00:00Z", time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"90m", now.Add(-90 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if err != nil {
				t.Fatalf("parseSince() failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	got, err := parseSince("3 days ago", now)
	if err != nil {
		t.Fatalf("parseSince(natural) failed: %v", err)
	}
	if got.Year() != 2024 || got.Month() != time.June || got.Day() != 12 {
		t.Errorf("parseSince(3 days ago) = %v, want 2024-06-12", got)
	}

	for _, bad := range []string{"", "cows came home"} {
		if _, err := parseSince(bad, now); err == nil {
			t.Errorf("parseSince(%q) should fail", bad)
		}
	}
}
