package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "aql/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix aql/%s", ua, Version)
	}
}

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "git_commit", "go_version", "uptime"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
}

func TestString(t *testing.T) {
	if s := String(); !strings.HasPrefix(s, "aql ") {
		t.Errorf("String() = %q", s)
	}
}
