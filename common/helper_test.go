package common

import (
	"testing"
	"time"
)

func TestParseDurationValid(t *testing.T) {
	got := ParseDuration("2h", 5*time.Minute)
	if got != 2*time.Hour {
		t.Fatalf("expected 2h, got %s", got)
	}
}

func TestParseDurationInvalidUsesFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if got := ParseDuration("not-a-duration", fallback); got != fallback {
		t.Fatalf("expected fallback %s, got %s", fallback, got)
	}
}

func TestParseIntInvalidUsesFallback(t *testing.T) {
	if got := ParseInt("nope", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := ParseInt(" 12 ", 7); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestParseFloat(t *testing.T) {
	if got := ParseFloat("6.5", 1); got != 6.5 {
		t.Fatalf("expected 6.5, got %v", got)
	}
	if got := ParseFloat("", 25); got != 25 {
		t.Fatalf("expected fallback 25, got %v", got)
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		if !ParseBool(v, false) {
			t.Fatalf("expected %q to parse as true", v)
		}
	}
	for _, v := range []string{"0", "false", "No"} {
		if ParseBool(v, true) {
			t.Fatalf("expected %q to parse as false", v)
		}
	}
	if !ParseBool("maybe", true) {
		t.Fatal("expected fallback for unknown value")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a, ,b ,, c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected split: %#v", got)
	}
	if SplitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestGetEnvFallback(t *testing.T) {
	t.Setenv("CLAIM_SWARM_TEST_ENV", "")
	if got := GetEnv("CLAIM_SWARM_TEST_ENV", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %s", got)
	}
	t.Setenv("CLAIM_SWARM_TEST_ENV", "set")
	if got := GetEnv("CLAIM_SWARM_TEST_ENV", "fallback"); got != "set" {
		t.Fatalf("expected set, got %s", got)
	}
}
