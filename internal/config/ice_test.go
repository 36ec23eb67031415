package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.l.google.com:19302"},
		{"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("servers[0].URLs=%v", servers[0].URLs)
	}
	if servers[1].Username != "u" {
		t.Errorf("servers[1].Username=%q, want u", servers[1].Username)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "c" {
		t.Errorf("servers[1].Credential=%v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", "nope", "invalid character"},
		{"missing urls", `[{}]`, "missing urls"},
		{"bad scheme", `[{"urls": "http://example.com"}]`, "unsupported url scheme"},
		{"turn without creds", `[{"urls": "turn:t.example.com"}]`, "turn urls require username"},
		{"turn without credential", `[{"urls": "turn:t.example.com", "username": "u"}]`, "turn urls require credential"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tc.raw)
			if err == nil {
				t.Fatalf("parse succeeded, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseICEServers_ConvenienceEnv(t *testing.T) {
	servers, err := parseICEServersFromValues("", "stun:a.example.com, stun:b.example.com", "turn:t.example.com", "user", "pass")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun URLs=%v, want 2 entries", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Errorf("turn username=%q", servers[1].Username)
	}
}

func TestParseICEServers_TurnRequiresBothCredParts(t *testing.T) {
	_, err := parseICEServersFromValues("", "", "turn:t.example.com", "user", "")
	if err == nil {
		t.Fatal("expected error for TURN urls without credential")
	}
}

func TestParseICEServers_JSONWinsOverConvenience(t *testing.T) {
	servers, err := parseICEServersFromValues(`[{"urls": "stun:json.example.com"}]`, "stun:conv.example.com", "", "", "")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("servers=%v, want the JSON-configured entry only", servers)
	}
}
