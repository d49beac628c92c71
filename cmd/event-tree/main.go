// Command event-tree prints the chat journal as a tree of events.
package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/stupiduntilnot/rpgchat/internal/db"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

type options struct {
	dbPath    string
	eventID   int64
	maxDepth  int
	jsonOut   bool
	noPayload bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "event-tree: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("event-tree", pflag.ContinueOnError)
	flags.StringVar(&opts.dbPath, "db", envOrDefault("CHAT_JOURNAL_PATH", "./rpgchat.db"), "SQLite journal path")
	flags.Int64Var(&opts.eventID, "id", 0, "show subtree of a specific event ID")
	flags.IntVarP(&opts.maxDepth, "level", "L", 0, "limit display depth (0 = unlimited)")
	flags.BoolVar(&opts.jsonOut, "json", false, "output JSON format")
	flags.BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	database, err := sql.Open("sqlite3", opts.dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()

	if err := database.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	rootID := opts.eventID
	if rootID == 0 {
		rootID, err = latestChatRoot(database)
		if err != nil {
			return err
		}
	}

	events, err := querySubtree(database, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}

	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	if opts.jsonOut {
		return printJSON(out, root, opts.maxDepth, opts.noPayload)
	}
	printTree(out, root, "", true, 1, opts.maxDepth, opts.noPayload)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// latestChatRoot finds the most recent process.started event with role=chat.
func latestChatRoot(database *sql.DB) (int64, error) {
	id, err := db.LatestProcessID(database, "chat")
	if err != nil {
		return 0, fmt.Errorf("find chat root: %w", err)
	}
	if id == 0 {
		return 0, fmt.Errorf("no chat process.started event found")
	}
	return id, nil
}

// querySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func querySubtree(database *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := database.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree organizes a flat list of events into a tree rooted at rootID.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}

	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}

	return byID[rootID]
}

func childPrefix(prefix string, isLast bool, depth int) string {
	if depth <= 1 {
		return prefix
	}
	if isLast {
		return prefix + "    "
	}
	return prefix + "│   "
}

// printTree renders the event tree using box-drawing characters.
func printTree(out io.Writer, ev *Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, noPayload)
	if depth == 1 {
		fmt.Fprintln(out, line)
	} else {
		fmt.Fprintln(out, prefix+connector+line)
	}

	next := childPrefix(prefix, isLast, depth)
	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(out, next+"└── [...]")
		}
		return
	}

	for i, child := range ev.Children {
		printTree(out, child, next, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)

	if noPayload {
		return line
	}
	m := decodePayload(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

func decodePayload(ev *Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		runes := []rune(val)
		if len(runes) > 80 {
			return fmt.Sprintf("%q", string(runes[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
	}
	if !noPayload {
		if m := decodePayload(ev); m != nil {
			je.Payload = m
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(out io.Writer, root *Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
