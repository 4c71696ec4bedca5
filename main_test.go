package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestParseParams(t *testing.T) {
	params, bypass, err := parseParams([]string{"player=2544", "--bypass", "season=2024-25", "empty="})
	if err != nil {
		t.Fatalf("parseParams failed: %v", err)
	}
	if !bypass {
		t.Error("Expected bypass to be set")
	}
	want := map[string]string{"player": "2544", "season": "2024-25", "empty": ""}
	if len(params) != len(want) {
		t.Fatalf("Expected %d params, got %v", len(want), params)
	}
	for k, v := range want {
		if params[k] != v {
			t.Errorf("params[%q] = %q, want %q", k, params[k], v)
		}
	}
}

func TestParseParamsInvalid(t *testing.T) {
	tests := [][]string{
		{"player"},
		{"=2544"},
		{"player=1", "player=2"},
	}
	for _, args := range tests {
		if _, _, err := parseParams(args); err == nil {
			t.Errorf("parseParams(%v) should fail", args)
		}
	}
}

func TestRunCLIVersionAndHelp(t *testing.T) {
	var out bytes.Buffer
	if err := runCLI(context.Background(), []string{"version"}, &out); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("Expected %q, got %q", version, out.String())
	}

	out.Reset()
	if err := runCLI(context.Background(), nil, &out); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: statcache") {
		t.Errorf("Expected usage, got %q", out.String())
	}
}

func TestRunCLIErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"get", "nba"}, "usage: statcache get"},
		{[]string{"inspect"}, "usage: statcache inspect"},
		{[]string{"invalidate", "a", "b"}, "usage: statcache invalidate"},
		{[]string{"get", "nba", "player", "bad"}, "invalid parameter"},
	}
	for _, tt := range tests {
		err := runCLI(context.Background(), tt.args, &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("runCLI(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRunCLIRequiresProvider(t *testing.T) {
	t.Setenv("PROVIDER_BASE_URL", "")
	err := runCLI(context.Background(), []string{"sources"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "PROVIDER_BASE_URL") {
		t.Errorf("Expected PROVIDER_BASE_URL error, got %v", err)
	}
}
