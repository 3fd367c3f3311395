package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/framerelay/pkg/pipeline"
	"github.com/dougsko/framerelay/pkg/relay"
)

// Command represents a command sent to the core engine
type Command struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response represents a response from the core engine
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Stream journal event kinds
const (
	EventStarted     = "STARTED"
	EventStopped     = "STOPPED"
	EventError       = "ERROR"
	EventUnderrun    = "UNDERRUN"
	EventStopTimeout = "STOP_TIMEOUT"
)

// StreamEvent is one entry of the stream journal
type StreamEvent struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Stream    string    `json:"stream"`
	Direction string    `json:"direction"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// StreamStatus describes one configured stream
type StreamStatus struct {
	Name      string          `json:"name"`
	Direction string          `json:"direction"`
	Driver    string          `json:"driver"`
	Device    string          `json:"device"`
	Format    string          `json:"format"`
	Source    string          `json:"source,omitempty"`
	Running   bool            `json:"running"`
	SessionID string          `json:"session_id,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	Relay     *relay.Stats    `json:"relay,omitempty"`
	Pipeline  *pipeline.Stats `json:"pipeline,omitempty"`
}

// Status represents the current daemon status
type Status struct {
	Version        string    `json:"version"`
	StartTime      time.Time `json:"start_time"`
	Uptime         string    `json:"uptime"`
	Streams        int       `json:"streams"`
	RunningStreams int       `json:"running_streams"`
	Drivers        []string  `json:"drivers"`
}

// ParseCommand parses a text command into a Command struct
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(strings.TrimSpace(parts[0])),
		Args: make(map[string]interface{}),
	}

	if len(parts) > 1 {
		args := strings.TrimSpace(parts[1])

		switch cmd.Type {
		case CmdStats, CmdStart, CmdStop:
			// START:tx
			cmd.Args["name"] = args

		case CmdDevices:
			// DEVICES:malgo
			cmd.Args["driver"] = args

		case CmdEvents:
			// EVENTS:50 or EVENTS:rx:50
			if i := strings.LastIndex(args, ":"); i >= 0 {
				cmd.Args["stream"] = args[:i]
				cmd.Args["limit"] = args[i+1:]
			} else if _, err := strconv.Atoi(args); err == nil {
				cmd.Args["limit"] = args
			} else {
				cmd.Args["stream"] = args
			}
		}
	}

	return cmd, nil
}

// Arg returns a string argument or ""
func (c *Command) Arg(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

// IntArg returns an integer argument, or def when it is missing or not a
// number
func (c *Command) IntArg(key string, def int) int {
	n, err := strconv.Atoi(c.Arg(key))
	if err != nil {
		return def
	}
	return n
}

// FormatResponse converts a Response to JSON string
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// Protocol commands
const (
	CmdStatus  = "STATUS"
	CmdStreams = "STREAMS"
	CmdStats   = "STATS"
	CmdStart   = "START"
	CmdStop    = "STOP"
	CmdDevices = "DEVICES"
	CmdEvents  = "EVENTS"
	CmdLevels  = "LEVELS"
	CmdQuit    = "QUIT"
	CmdPing    = "PING"
)
