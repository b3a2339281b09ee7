package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/auth"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/httpx"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "mint-token":
		return mintToken(args[1:], out)
	case "participants":
		return participants(args[1:], out)
	case "violations":
		return violations(args[1:], out)
	case "warn":
		return participantCommand(args[1:], out, "warn")
	case "lock":
		return participantCommand(args[1:], out, "lock")
	case "unlock":
		return participantCommand(args[1:], out, "unlock")
	case "lockdown":
		return lockdown(args[1:], out)
	case "permissions":
		return permissions(args[1:], out)
	case "decide":
		return decide(args[1:], out)
	case "session":
		return session(args[1:], out)
	case "stats":
		return stats(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "proctorctl commands:")
	fmt.Fprintln(out, "  mint-token --secret <hs256 secret> --subject guru-1 --roles proctor,admin --ttl-min 60")
	fmt.Fprintln(out, "  participants [--id p-1]")
	fmt.Fprintln(out, "  violations --participant p-1 [--limit 50]")
	fmt.Fprintln(out, "  warn|lock|unlock --participant p-1 --reason <text>")
	fmt.Fprintln(out, "  lockdown --reason <text>")
	fmt.Fprintln(out, "  permissions [--status PENDING]")
	fmt.Fprintln(out, "  decide --request <id> [--reject]")
	fmt.Fprintln(out, "  session [--status completed]")
	fmt.Fprintln(out, "  stats")
	fmt.Fprintln(out, "common flags: --url (default http://localhost:8090), --token (or PROCTOR_TOKEN)")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func addCommonFlags(fs *flag.FlagSet) (*string, *string) {
	baseURL := fs.String("url", envDefault("PROCTOR_URL", "http://localhost:8090"), "proctord base url")
	token := fs.String("token", os.Getenv("PROCTOR_TOKEN"), "bearer token")
	return baseURL, token
}

func envDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mintToken(args []string, out io.Writer) error {
	fs := newFlagSet("mint-token")
	secret := fs.String("secret", os.Getenv("PROCTOR_SECRET"), "hs256 signing secret")
	subject := fs.String("subject", "", "token subject")
	roles := fs.String("roles", "proctor", "comma separated roles")
	ttlMin := fs.Int("ttl-min", 60, "token lifetime in minutes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *subject == "" {
		return errors.New("secret and subject required")
	}
	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	token, err := auth.MintHS256(*secret, *subject, roleList, time.Duration(*ttlMin)*time.Minute, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func apiCall(out io.Writer, baseURL, token, method, path string, body interface{}) error {
	base, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	var raw []byte
	if body != nil {
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 10 * time.Second}
	status, respBody, err := httpx.RequestJSON(ctx, client, method, base.String()+path, raw, headers, 1, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, status, strings.TrimSpace(string(respBody)))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, respBody, "", "  ") == nil {
		fmt.Fprintln(out, pretty.String())
	} else {
		fmt.Fprintln(out, string(respBody))
	}
	return nil
}

func participants(args []string, out io.Writer) error {
	fs := newFlagSet("participants")
	baseURL, token := addCommonFlags(fs)
	id := fs.String("id", "", "single participant id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "/api/participants"
	if *id != "" {
		path += "/" + url.PathEscape(*id)
	}
	return apiCall(out, *baseURL, *token, http.MethodGet, path, nil)
}

func violations(args []string, out io.Writer) error {
	fs := newFlagSet("violations")
	baseURL, token := addCommonFlags(fs)
	participant := fs.String("participant", "", "participant id")
	limit := fs.Int("limit", 0, "max records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *participant == "" {
		return errors.New("participant required")
	}
	path := "/api/participants/" + url.PathEscape(*participant) + "/violations"
	if *limit > 0 {
		path += fmt.Sprintf("?limit=%d", *limit)
	}
	return apiCall(out, *baseURL, *token, http.MethodGet, path, nil)
}

func participantCommand(args []string, out io.Writer, action string) error {
	fs := newFlagSet(action)
	baseURL, token := addCommonFlags(fs)
	participant := fs.String("participant", "", "participant id")
	reason := fs.String("reason", "", "action reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *participant == "" || *reason == "" {
		return errors.New("participant and reason required")
	}
	path := "/api/participants/" + url.PathEscape(*participant) + "/" + action
	return apiCall(out, *baseURL, *token, http.MethodPost, path, map[string]string{"reason": *reason})
}

func lockdown(args []string, out io.Writer) error {
	fs := newFlagSet("lockdown")
	baseURL, token := addCommonFlags(fs)
	reason := fs.String("reason", "", "lockdown reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reason == "" {
		return errors.New("reason required")
	}
	return apiCall(out, *baseURL, *token, http.MethodPost, "/api/lockdown", map[string]string{"reason": *reason})
}

func permissions(args []string, out io.Writer) error {
	fs := newFlagSet("permissions")
	baseURL, token := addCommonFlags(fs)
	status := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "/api/permissions"
	if *status != "" {
		path += "?status=" + url.QueryEscape(*status)
	}
	return apiCall(out, *baseURL, *token, http.MethodGet, path, nil)
}

func decide(args []string, out io.Writer) error {
	fs := newFlagSet("decide")
	baseURL, token := addCommonFlags(fs)
	request := fs.String("request", "", "permission request id")
	reject := fs.Bool("reject", false, "reject instead of approve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *request == "" {
		return errors.New("request required")
	}
	path := "/api/permissions/" + url.PathEscape(*request) + "/decision"
	return apiCall(out, *baseURL, *token, http.MethodPost, path, map[string]bool{"approve": !*reject})
}

func session(args []string, out io.Writer) error {
	fs := newFlagSet("session")
	baseURL, token := addCommonFlags(fs)
	status := fs.String("status", "", "set session status instead of reading it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *status != "" {
		return apiCall(out, *baseURL, *token, http.MethodPost, "/api/session/status", map[string]string{"status": *status})
	}
	return apiCall(out, *baseURL, *token, http.MethodGet, "/api/session", nil)
}

func stats(args []string, out io.Writer) error {
	fs := newFlagSet("stats")
	baseURL, token := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return apiCall(out, *baseURL, *token, http.MethodGet, "/api/stats", nil)
}
