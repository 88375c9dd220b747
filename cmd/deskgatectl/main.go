// Command deskgatectl talks to a running deskgated's admin API. It mints
// a short-lived token from the shared admin secret per invocation, so no
// credentials are stored anywhere.
//
// Usage:
//
//	deskgatectl [-admin-url URL] [-secret S] list
//	deskgatectl [-admin-url URL] [-secret S] count
//	deskgatectl [-admin-url URL] [-secret S] terminate <username>
//	deskgatectl [-admin-url URL] [-secret S] stats
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/user"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/deskgate/deskgate/internal/admin"
	"github.com/deskgate/deskgate/internal/broker"
)

func main() {
	log.SetFlags(0)
	var (
		adminURL = flag.String("admin-url", "http://127.0.0.1:3386", "deskgated admin API base URL")
		secret   = flag.String("secret", os.Getenv("DESKGATE_ADMIN_SECRET"), "admin API secret (env DESKGATE_ADMIN_SECRET)")
		timeout  = flag.Duration("timeout", 10*time.Second, "request timeout")
	)
	flag.Parse()

	if *secret == "" {
		log.Fatalf("admin secret is required (-secret or DESKGATE_ADMIN_SECRET)")
	}
	args := flag.Args()
	if len(args) == 0 {
		log.Fatalf("usage: deskgatectl list|count|terminate <username>|stats")
	}

	c := &client{base: *adminURL, secret: *secret, http: &http.Client{Timeout: *timeout}}

	var err error
	switch args[0] {
	case "list":
		err = c.list()
	case "count":
		err = c.count()
	case "terminate":
		if len(args) != 2 {
			log.Fatalf("usage: deskgatectl terminate <username>")
		}
		err = c.terminate(args[1])
	case "stats":
		err = c.stats()
	default:
		log.Fatalf("unknown command %q", args[0])
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

type client struct {
	base   string
	secret string
	http   *http.Client
}

func (c *client) do(method, path string, out any) error {
	operator := "deskgatectl"
	if u, err := user.Current(); err == nil {
		operator = u.Username
	}
	token, err := admin.MintToken(c.secret, operator, time.Minute)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) list() error {
	var sessions []broker.SessionInfo
	if err := c.do(http.MethodGet, "/v1/sessions", &sessions); err != nil {
		return err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Username < sessions[j].Username })

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tSTATE\tPORT\tPID\tCREATED\tLAST ACTIVE\tCLIENT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.Username, s.State, s.Port, s.PID,
			s.CreatedAt.Local().Format(time.RFC3339),
			s.LastActive.Local().Format(time.RFC3339),
			s.ClientAddr)
	}
	return w.Flush()
}

func (c *client) count() error {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(http.MethodGet, "/v1/sessions/count", &out); err != nil {
		return err
	}
	fmt.Println(out.Count)
	return nil
}

func (c *client) terminate(username string) error {
	if err := c.do(http.MethodDelete, "/v1/sessions/"+username, nil); err != nil {
		return err
	}
	fmt.Printf("session for %s terminated\n", username)
	return nil
}

func (c *client) stats() error {
	var snap map[string]int64
	if err := c.do(http.MethodGet, "/v1/stats", &snap); err != nil {
		return err
	}
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, snap[k])
	}
	return w.Flush()
}
