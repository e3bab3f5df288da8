package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/appdraft/appdraft/pkg/client"
)

type command struct{}

// dial builds a client from the connection flags and verifies the daemon is
// up before any command runs against it.
func (c *command) dial(url, token string, timeout time.Duration) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if url != "" {
		cfg.BaseURL = url
	}
	cfg.Token = token
	if timeout > 0 {
		cfg.Timeout = timeout
	}

	cl := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if !cl.Health(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start it first with 'appdraft serve'", cfg.BaseURL)
	}
	return cl, nil
}

// Create starts a new build session and optionally follows its event stream.
func (c *command) Create(f CreateFlags) error {
	if strings.TrimSpace(f.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}

	cl, err := c.dial(f.APIUrl, f.Token, f.APITimeout)
	if err != nil {
		return err
	}

	ctx := context.Background()
	id, err := cl.Create(ctx, f.Prompt, f.Template)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s building\n", id)

	if !f.Watch {
		fmt.Printf("Follow it with 'appdraft watch --session=%s'\n", id)
		return nil
	}
	return followSession(cl, id)
}

// Status prints the progress record of a session.
func (c *command) Status(f StatusFlags) error {
	if f.Session == "" {
		return fmt.Errorf("session id is required")
	}

	cl, err := c.dial(f.APIUrl, f.Token, f.APITimeout)
	if err != nil {
		return err
	}

	rec, err := cl.Progress(context.Background(), f.Session)
	if err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

// Chat sends one change request or question against a session.
func (c *command) Chat(f ChatFlags) error {
	if f.Session == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(f.Message) == "" {
		return fmt.Errorf("message is required")
	}

	cl, err := c.dial(f.APIUrl, f.Token, f.APITimeout)
	if err != nil {
		return err
	}

	res, err := cl.Chat(context.Background(), f.Session, f.Message)
	if err != nil {
		return err
	}
	fmt.Println(res.Reply)
	for _, fr := range res.Files {
		if fr.OK {
			fmt.Printf("  %s %s\n", fr.Action, fr.Path)
		} else {
			fmt.Printf("  %s %s failed: %s\n", fr.Action, fr.Path, fr.Error)
		}
	}
	return nil
}

// Stop tears a session down.
func (c *command) Stop(f StopFlags) error {
	if f.Session == "" {
		return fmt.Errorf("session id is required")
	}

	cl, err := c.dial(f.APIUrl, f.Token, f.APITimeout)
	if err != nil {
		return err
	}

	if err := cl.Close(context.Background(), f.Session); err != nil {
		return err
	}
	fmt.Printf("Session %s stopped\n", f.Session)
	return nil
}

// Recent lists archived sessions.
func (c *command) Recent(f RecentFlags) error {
	cl, err := c.dial(f.APIUrl, f.Token, f.APITimeout)
	if err != nil {
		return err
	}

	rows, err := cl.Recent(context.Background(), f.Limit)
	if err != nil {
		return err
	}
	printJSON(rows)
	return nil
}

// Watch attaches to a session's event stream.
func (c *command) Watch(f WatchFlags) error {
	if f.Session == "" {
		return fmt.Errorf("session id is required")
	}

	cl, err := c.dial(f.APIUrl, f.Token, f.APITimeout)
	if err != nil {
		return err
	}
	return followSession(cl, f.Session)
}

// followSession streams events until the build reaches a terminal state,
// then prints the final record. Sessions that already finished are reported
// from the record alone; the stream would never deliver another terminal
// event for them.
func followSession(cl *client.Client, sessionID string) error {
	ctx := context.Background()

	rec, err := cl.Progress(ctx, sessionID)
	if err != nil {
		return err
	}
	if !rec.IsComplete && !rec.HasError {
		err = cl.Events(ctx, sessionID, func(ev client.Event) error {
			printEvent(ev)
			return nil
		})
		if err != nil {
			return err
		}
		rec, err = cl.Progress(ctx, sessionID)
		if err != nil {
			return err
		}
	}

	if rec.HasError {
		return fmt.Errorf("build failed at %s: %s", rec.Stage, rec.Error)
	}
	if rec.Result != nil {
		fmt.Printf("App running at %s\n", rec.Result.URL)
		if rec.Result.ExpoURL != "" {
			fmt.Printf("Expo Go: %s\n", rec.Result.ExpoURL)
		}
	}
	return nil
}
