package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/TeoSlayer/drpmesh/pkg/node"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
	"github.com/TeoSlayer/drpmesh/pkg/rest"
)

// Global flags
var jsonOutput bool

const defaultURL = "ws://127.0.0.1:8080/"

// --- Output helpers ---

func output(data interface{}) {
	if jsonOutput {
		b, _ := json.Marshal(map[string]interface{}{"status": "ok", "data": data})
		fmt.Println(string(b))
		return
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
	}
}

func fatalCode(code string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		b, _ := json.Marshal(map[string]string{
			"status":  "error",
			"code":    code,
			"message": msg,
		})
		fmt.Fprintln(os.Stderr, string(b))
	} else {
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	}
	os.Exit(1)
}

// --- Arg parsing helpers ---

// parseFlags extracts --key=value and --flag from args, returns remaining positional args.
func parseFlags(args []string) (map[string]string, []string) {
	flags := map[string]string{}
	var pos []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") {
			key := a[2:]
			if idx := strings.Index(key, "="); idx >= 0 {
				flags[key[:idx]] = key[idx+1:]
			} else if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") && !boolFlags[key] {
				flags[key] = args[i+1]
				i++
			} else {
				flags[key] = "true"
			}
		} else {
			pos = append(pos, a)
		}
	}
	return flags, pos
}

// boolFlags never consume the following argument.
var boolFlags = map[string]bool{"list": true, "global": true}

func flagDuration(flags map[string]string, key string, def time.Duration) time.Duration {
	v, ok := flags[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fatalCode("invalid_argument", "invalid duration for --%s: %v", key, err)
	}
	return d
}

func flagInt(flags map[string]string, key string, def int) int {
	v, ok := flags[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fatalCode("invalid_argument", "invalid integer for --%s: %v", key, err)
	}
	return n
}

func flagBool(flags map[string]string, key string) bool {
	v, ok := flags[key]
	return ok && (v == "true" || v == "1" || v == "")
}

// parseJSON decodes a JSON argument, treating anything that is not valid
// JSON as a plain string.
func parseJSON(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// --- Connection ---

func getURL() string {
	if v := os.Getenv("DRP_URL"); v != "" {
		return v
	}
	return defaultURL
}

func connect(ctx context.Context) *node.Consumer {
	c, err := node.DialConsumer(ctx, getURL(), node.ConsumerOptions{
		UserAgent: "drpctl",
		User:      os.Getenv("USER"),
		MeshKey:   os.Getenv("DRP_MESH_KEY"),
	})
	if err != nil {
		fatalCode("connection_failed", "connect %s: %v", getURL(), err)
	}
	return c
}

func usage() {
	fmt.Fprintf(os.Stderr, `drpctl - DRP mesh client

Global flags:
  --json                        Output structured JSON

Commands:
  drpctl info                                   Declaration of the connected node
  drpctl decls                                  Every declaration the node knows
  drpctl cmds                                   Control commands the node accepts
  drpctl path <a/b/c> [--list]                  Resolve a path on the node
  drpctl call <service> <method> [json]         Run a service method through the node
  drpctl send <topic> <json>                    Publish on a topic of the node
  drpctl history [topic]                        Topic history, or per-topic counters
  drpctl subscribe <topic> [--global] [--count <n>] [--timeout <dur>]

Environment:
  DRP_URL            Node WebSocket URL (default: %s)
  DRP_MESH_KEY       Mesh key sent on hello
`, defaultURL)
	os.Exit(2)
}

// --- Main ---

func main() {
	var args []string
	for _, a := range os.Args[1:] {
		if a == "--json" {
			jsonOutput = true
		} else {
			args = append(args, a)
		}
	}
	if len(args) < 1 {
		usage()
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "info":
		cmdInfo()
	case "decls":
		cmdDecls()
	case "cmds":
		cmdCmds()
	case "path":
		cmdPath(cmdArgs)
	case "call":
		cmdCall(cmdArgs)
	case "send":
		cmdSend(cmdArgs)
	case "history":
		cmdHistory(cmdArgs)
	case "subscribe":
		cmdSubscribe(cmdArgs)
	case "help", "-h", "--help":
		usage()
	default:
		fatalCode("invalid_argument", "unknown command: %s", cmd)
	}
}

func cmdCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func cmdInfo() {
	ctx, cancel := cmdCtx()
	defer cancel()
	c := connect(ctx)
	defer c.Close()
	output(map[string]interface{}{
		"consumer_id": c.ID(),
		"node":        c.Node(),
	})
}

func cmdDecls() {
	ctx, cancel := cmdCtx()
	defer cancel()
	c := connect(ctx)
	defer c.Close()

	decls, err := c.GetDeclarations(ctx)
	if err != nil {
		fatalCode("command_failed", "%v", err)
	}
	if jsonOutput {
		output(decls)
		return
	}
	ids := make([]string, 0, len(decls))
	for id := range decls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := decls[id]
		roles := make([]string, len(d.NodeRoles))
		for i, r := range d.NodeRoles {
			roles[i] = string(r)
		}
		url := d.NodeURL
		if url == "" {
			url = "-"
		}
		fmt.Printf("%-30s %-28s %s\n", id, strings.Join(roles, ","), url)
	}
}

func cmdCmds() {
	ctx, cancel := cmdCtx()
	defer cancel()
	c := connect(ctx)
	defer c.Close()

	var cmds []string
	if err := c.Cmd(ctx, protocol.CmdGetCmds, nil, &cmds); err != nil {
		fatalCode("command_failed", "%v", err)
	}
	if jsonOutput {
		output(cmds)
		return
	}
	output(strings.Join(cmds, "\n"))
}

func cmdPath(args []string) {
	flags, pos := parseFlags(args)
	path := ""
	if len(pos) > 0 {
		path = pos[0]
	}
	ctx, cancel := cmdCtx()
	defer cancel()
	c := connect(ctx)
	defer c.Close()

	res, err := c.PathCmd(ctx, rest.SplitPath(path), flagBool(flags, "list"))
	if err != nil {
		fatalCode("command_failed", "%v", err)
	}
	output(res)
}

func cmdCall(args []string) {
	_, pos := parseFlags(args)
	if len(pos) < 2 {
		fatalCode("invalid_argument", "usage: drpctl call <service> <method> [json]")
	}
	var params interface{}
	if len(pos) > 2 {
		params = parseJSON(pos[2])
	}
	ctx, cancel := cmdCtx()
	defer cancel()
	c := connect(ctx)
	defer c.Close()

	raw, err := c.ServiceCmd(ctx, pos[0], pos[1], params)
	if err != nil {
		fatalCode("command_failed", "%v", err)
	}
	var res interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			fatalCode("internal", "decode reply: %v", err)
		}
	}
	output(res)
}

func cmdSend(args []string) {
	_, pos := parseFlags(args)
	if len(pos) < 2 {
		fatalCode("invalid_argument", "usage: drpctl send <topic> <json>")
	}
	ctx, cancel := cmdCtx()
	defer cancel()
	c := connect(ctx)
	defer c.Close()

	if err := c.SendToTopic(ctx, pos[0], parseJSON(pos[1])); err != nil {
		fatalCode("command_failed", "%v", err)
	}
	output(map[string]interface{}{"topic": pos[0], "sent": true})
}

func cmdHistory(args []string) {
	_, pos := parseFlags(args)
	name := ""
	if len(pos) > 0 {
		name = pos[0]
	}
	ctx, cancel := cmdCtx()
	defer cancel()
	c := connect(ctx)
	defer c.Close()

	var res interface{}
	if err := c.Cmd(ctx, protocol.CmdGetTopicHistory, &protocol.TopicQuery{TopicName: name}, &res); err != nil {
		fatalCode("command_failed", "%v", err)
	}
	output(res)
}

func cmdSubscribe(args []string) {
	flags, pos := parseFlags(args)
	if len(pos) < 1 {
		fatalCode("invalid_argument", "usage: drpctl subscribe <topic> [--global] [--count <n>] [--timeout <dur>]")
	}
	name := pos[0]
	scope := protocol.ScopeLocal
	if flagBool(flags, "global") {
		scope = protocol.ScopeGlobal
	}
	count := flagInt(flags, "count", 0) // 0 = until interrupted
	timeout := flagDuration(flags, "timeout", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialCtx, dialCancel := cmdCtx()
	c := connect(dialCtx)
	dialCancel()
	defer c.Close()

	msgs := make(chan json.RawMessage, 64)
	token, err := c.Subscribe(ctx, name, scope, nil, func(raw json.RawMessage) {
		select {
		case msgs <- raw:
		default:
			fmt.Fprintln(os.Stderr, "dropping message: output too slow")
		}
	})
	if err != nil {
		fatalCode("command_failed", "%v", err)
	}
	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "subscribed to %s (%s)...\n", name, scope)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	}

	received := 0
loop:
	for count == 0 || received < count {
		select {
		case raw := <-msgs:
			received++
			fmt.Println(string(raw))
		case <-c.Done():
			fatalCode("connection_failed", "connection closed")
		case <-sig:
			break loop
		case <-deadline:
			if !jsonOutput {
				fmt.Fprintln(os.Stderr, "timeout")
			}
			break loop
		}
	}

	unsubCtx, unsubCancel := cmdCtx()
	defer unsubCancel()
	if err := c.Unsubscribe(unsubCtx, name, token); err != nil && !jsonOutput {
		fmt.Fprintf(os.Stderr, "unsubscribe: %v\n", err)
	}
}
