package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dougsko/framerelay/pkg/client"
)

var (
	socketPath = flag.String("socket", "/tmp/framerelay.sock", "Unix socket path")
	command    = flag.String("cmd", "", "Command to send (e.g., 'STATUS', 'START:tx')")
	timeout    = flag.Duration("timeout", 5*time.Second, "Command timeout")
)

func main() {
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	// If no command specified, show interactive help
	if *command == "" {
		if len(flag.Args()) > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			showHelp()
			return
		}
	}

	c := client.NewSocketClient(*socketPath)
	c.SetTimeout(*timeout)

	response, err := c.SendCommand(*command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", response.String())
	if !response.Success {
		os.Exit(2)
	}
}

func showHelp() {
	fmt.Println("relayctl - frame relay daemon control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -socket <path>    Unix socket path (default: /tmp/framerelay.sock)")
	fmt.Println("  -cmd <command>    Command to send")
	fmt.Println("  -timeout <d>      Command timeout (default: 5s)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  STATUS                    Get daemon status")
	fmt.Println("  STREAMS                   List configured streams")
	fmt.Println("  STATS:<name>              Show relay and pipeline counters of a stream")
	fmt.Println("  START:<name>              Start a stream")
	fmt.Println("  STOP:<name>               Stop a stream")
	fmt.Println("  DEVICES:<driver>          List devices of a driver (mock, wav, malgo, alsa)")
	fmt.Println("  EVENTS                    Get recent journal entries")
	fmt.Println("  EVENTS:10                 Get last 10 journal entries")
	fmt.Println("  EVENTS:<name>:10          Get last 10 journal entries of a stream")
	fmt.Println("  LEVELS                    Get capture levels")
	fmt.Println("  PING                      Test connection")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s START:tx\n", os.Args[0])
	fmt.Printf("  %s EVENTS:rx:5\n", os.Args[0])
	fmt.Printf("  echo 'STREAMS' | nc -U /tmp/framerelay.sock\n")
}
