package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dougsko/framerelay/pkg/relay"
)

func TestParseCommand(t *testing.T) {
	t.Run("STATUS Command", func(t *testing.T) {
		cmd, err := ParseCommand("STATUS")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if cmd.Type != CmdStatus {
			t.Errorf("Expected type STATUS, got %s", cmd.Type)
		}
		if len(cmd.Args) != 0 {
			t.Errorf("Expected no args for STATUS, got %d", len(cmd.Args))
		}
	})

	t.Run("Stream Commands", func(t *testing.T) {
		for _, typ := range []string{CmdStart, CmdStop, CmdStats} {
			cmd, err := ParseCommand(typ + ":tx main")
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if cmd.Type != typ {
				t.Errorf("Expected type %s, got %s", typ, cmd.Type)
			}
			if cmd.Arg("name") != "tx main" {
				t.Errorf("Expected name 'tx main', got %q", cmd.Arg("name"))
			}
		}
	})

	t.Run("DEVICES Command", func(t *testing.T) {
		cmd, _ := ParseCommand("DEVICES:wav")
		if cmd.Arg("driver") != "wav" {
			t.Errorf("Expected driver wav, got %q", cmd.Arg("driver"))
		}
	})

	t.Run("EVENTS Command", func(t *testing.T) {
		tests := []struct {
			text   string
			stream string
			limit  int
		}{
			{"EVENTS", "", 20},
			{"EVENTS:50", "", 50},
			{"EVENTS:rx", "rx", 20},
			{"EVENTS:rx:5", "rx", 5},
		}
		for _, tt := range tests {
			cmd, _ := ParseCommand(tt.text)
			if cmd.Arg("stream") != tt.stream {
				t.Errorf("%s: expected stream %q, got %q", tt.text, tt.stream, cmd.Arg("stream"))
			}
			if got := cmd.IntArg("limit", 20); got != tt.limit {
				t.Errorf("%s: expected limit %d, got %d", tt.text, tt.limit, got)
			}
		}
	})

	t.Run("Simple Commands", func(t *testing.T) {
		for _, cmdText := range []string{"PING", "QUIT", "STREAMS", "LEVELS"} {
			t.Run(cmdText, func(t *testing.T) {
				cmd, err := ParseCommand(cmdText)
				if err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
				if cmd.Type != cmdText {
					t.Errorf("Expected type %s, got %s", cmdText, cmd.Type)
				}
			})
		}
	})

	t.Run("Case Insensitive", func(t *testing.T) {
		cmd, _ := ParseCommand("start:rx")
		if cmd.Type != CmdStart || cmd.Arg("name") != "rx" {
			t.Errorf("Expected START rx, got %s %q", cmd.Type, cmd.Arg("name"))
		}
	})

	t.Run("Whitespace Handling", func(t *testing.T) {
		cmd, _ := ParseCommand("  STOP: tx  \n")
		if cmd.Type != CmdStop || cmd.Arg("name") != "tx" {
			t.Errorf("Expected STOP tx, got %s %q", cmd.Type, cmd.Arg("name"))
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		cmd, err := ParseCommand("TUNE:14074000")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if cmd.Type != "TUNE" || len(cmd.Args) != 0 {
			t.Errorf("Expected bare TUNE command, got %+v", cmd)
		}
	})

	t.Run("Empty Command", func(t *testing.T) {
		cmd, _ := ParseCommand("")
		if cmd.Type != "" {
			t.Errorf("Expected empty type, got %q", cmd.Type)
		}
	})
}

func TestIntArg(t *testing.T) {
	cmd := &Command{Args: map[string]interface{}{"limit": "abc", "n": "7"}}
	if cmd.IntArg("limit", 3) != 3 {
		t.Error("Expected default for non-numeric argument")
	}
	if cmd.IntArg("missing", 4) != 4 {
		t.Error("Expected default for missing argument")
	}
	if cmd.IntArg("n", 0) != 7 {
		t.Error("Expected parsed argument")
	}
}

func TestResponse(t *testing.T) {
	t.Run("Success Response JSON", func(t *testing.T) {
		resp := NewSuccessResponse(map[string]interface{}{"pong": true})
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(resp.String()), &decoded); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if decoded["success"] != true {
			t.Error("Expected success true")
		}
		if _, ok := decoded["error"]; ok {
			t.Error("Expected no error field")
		}
	})

	t.Run("Error Response JSON", func(t *testing.T) {
		resp := NewErrorResponse("unknown stream: rx")
		text := resp.String()
		if !strings.Contains(text, `"success":false`) || !strings.Contains(text, "unknown stream: rx") {
			t.Errorf("Unexpected error response %s", text)
		}
		if strings.Contains(text, `"data"`) {
			t.Error("Expected no data field")
		}
	})
}

func TestStreamStatusJSON(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := StreamStatus{
		Name:      "rx",
		Direction: "capture",
		Driver:    "mock",
		Running:   true,
		StartedAt: &started,
		Relay:     &relay.Stats{Name: "rx", Slots: 4, Posted: 10, Completed: 9},
	}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"running":true`, `"posted":10`, `"slots":4`, `"started_at":"2024-05-01T12:00:00Z"`} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %s in %s", want, text)
		}
	}
	if strings.Contains(text, `"pipeline"`) {
		t.Error("Expected pipeline to be omitted")
	}
}
