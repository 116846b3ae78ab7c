package main

import (
	"testing"
)

func TestPeerAddress(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"host only", []string{"192.168.1.10"}, "192.168.1.10:56789", false},
		{"host and port", []string{"example.com", "9000"}, "example.com:9000", false},
		{"host:port", []string{"example.com:9000"}, "example.com:9000", false},
		{"ipv6 host", []string{"::1"}, "[::1]:56789", false},
		{"websocket url", []string{"ws://example.com:8080/ws"}, "ws://example.com:8080/ws", false},
		{"bad port", []string{"example.com", "http"}, "", true},
		{"port out of range", []string{"example.com", "70000"}, "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := peerAddress(tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHubFlagsOverrideConfig(t *testing.T) {
	root := newRootCmd()
	hub, _, err := root.Find([]string{"hub"})
	if err != nil {
		t.Fatalf("find hub command: %v", err)
	}
	if hub.Flags().Lookup("listen") == nil || hub.Flags().Lookup("websocket") == nil {
		t.Fatalf("hub command is missing its flags")
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("root command is missing --config")
	}
}
