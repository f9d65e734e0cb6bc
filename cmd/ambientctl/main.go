// ambientctl is a small operator CLI for a running ambientd: emit
// events, inspect history, drivers, schedules and system status.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ambientos/ambient/pkg/version"
)

const usage = `Usage: ambientctl [-addr URL] <command> [args]

Commands:
  emit -type TYPE -user USER [-source SRC] [-metadata JSON]
  history [-type TYPE] [-user USER] [-limit N]
  drivers
  driver <id>
  schedules -user USER
  instructions -user USER
  plans
  status
  version
`

func main() {
	addr := flag.String("addr", getEnv("AMBIENT_ADDR", "http://localhost:8090"), "ambientd base URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cli := &client{base: *addr, http: &http.Client{Timeout: 15 * time.Second}}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "emit":
		err = cli.emit(flag.Args()[1:])
	case "history":
		err = cli.history(flag.Args()[1:])
	case "drivers":
		err = cli.getJSON("/api/v1/drivers")
	case "driver":
		if flag.NArg() < 2 {
			err = fmt.Errorf("driver requires an id")
		} else {
			err = cli.getJSON("/api/v1/drivers/" + url.PathEscape(flag.Arg(1)))
		}
	case "schedules":
		err = cli.listForUser("/api/v1/schedules", flag.Args()[1:])
	case "instructions":
		err = cli.listForUser("/api/v1/instructions", flag.Args()[1:])
	case "plans":
		err = cli.getJSON("/api/v1/plans")
	case "status":
		err = cli.getJSON("/api/v1/system/status")
	case "version":
		fmt.Println(version.Full())
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) emit(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	eventType := fs.String("type", "", "event type (required)")
	user := fs.String("user", "", "user id (required)")
	source := fs.String("source", "cli", "event source")
	metadata := fs.String("metadata", "{}", "metadata as JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *eventType == "" || *user == "" {
		return fmt.Errorf("emit requires -type and -user")
	}

	var md map[string]any
	if err := json.Unmarshal([]byte(*metadata), &md); err != nil {
		return fmt.Errorf("invalid -metadata JSON: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"type":     *eventType,
		"source":   *source,
		"userID":   *user,
		"metadata": md,
	})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.base+"/api/v1/events", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func (c *client) history(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	eventType := fs.String("type", "", "filter by event type")
	user := fs.String("user", "", "filter by user id")
	limit := fs.Int("limit", 50, "max events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *eventType != "" {
		q.Set("type", *eventType)
	}
	if *user != "" {
		q.Set("user_id", *user)
	}
	q.Set("limit", fmt.Sprint(*limit))
	return c.getJSON("/api/v1/events?" + q.Encode())
}

func (c *client) listForUser(path string, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	user := fs.String("user", "", "user id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("-user is required")
	}
	return c.getJSON(path + "?user_id=" + url.QueryEscape(*user))
}

func (c *client) getJSON(path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// printResponse pretty-prints a JSON response body to stdout.
func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
