package main

import (
	"encoding/json"
	"fmt"

	"github.com/appdraft/appdraft/pkg/client"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// printEvent renders one stream event as a console line. Connected and
// heartbeat markers are protocol traffic and stay silent.
func printEvent(ev client.Event) {
	switch ev.Type {
	case client.EventProgress:
		if ev.Stage == "heartbeat" {
			return
		}
		pct := 0
		if ev.ProgressPercent != nil {
			pct = *ev.ProgressPercent
		}
		fmt.Printf("[%3d%%] %-12s %s\n", pct, ev.Stage, ev.Message)
	case client.EventOutput:
		fmt.Printf("       %s\n", ev.Message)
	case client.EventCompleted:
		fmt.Printf("[100%%] %s\n", ev.Message)
	case client.EventError:
		fmt.Printf("error: %s: %s\n", ev.Message, ev.Error)
	}
}
