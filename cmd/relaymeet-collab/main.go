package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaymeet/internal/collab"
	"github.com/agentworkforce/relaymeet/internal/meeting"
	"github.com/agentworkforce/relaymeet/internal/meetingapi"
	"github.com/agentworkforce/relaymeet/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type options struct {
	baseURL     string
	token       string
	meetingID   string
	shareToken  string
	name        string
	color       string
	notesFile   string
	highlight   string
	comment     string
	createShare bool
	shareTTL    time.Duration
	once        bool
	timeout     time.Duration
	debug       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaymeet-collab: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("relaymeet-collab", flag.ContinueOnError)
	fs.StringVar(&opts.baseURL, "base-url", envOrDefault("RELAYMEET_BASE_URL", "http://127.0.0.1:8080"), "relaymeet base URL")
	fs.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYMEET_TOKEN")), "admin bearer token for -create-share")
	fs.StringVar(&opts.meetingID, "meeting", strings.TrimSpace(os.Getenv("RELAYMEET_MEETING")), "meeting ID")
	fs.StringVar(&opts.shareToken, "share", strings.TrimSpace(os.Getenv("RELAYMEET_SHARE")), "share token")
	fs.StringVar(&opts.name, "name", envOrDefault("RELAYMEET_NAME", os.Getenv("USER")), "display name")
	fs.StringVar(&opts.color, "color", envOrDefault("RELAYMEET_COLOR", "#4f46e5"), "presence color")
	fs.StringVar(&opts.notesFile, "notes-file", strings.TrimSpace(os.Getenv("RELAYMEET_NOTES_FILE")), "mirror shared notes to this file")
	fs.StringVar(&opts.highlight, "highlight", "", "add a highlight, START-END:TEXT")
	fs.StringVar(&opts.comment, "comment", "", "add a comment, LINE:TEXT")
	fs.BoolVar(&opts.createShare, "create-share", false, "create a share link for -meeting, print it and exit")
	fs.DurationVar(&opts.shareTTL, "share-ttl", 0, "expiry for -create-share, zero never expires")
	fs.BoolVar(&opts.once, "once", false, "exit after one-shot actions are persisted")
	fs.DurationVar(&opts.timeout, "timeout", durationEnv("RELAYMEET_TIMEOUT", 15*time.Second), "per-request and -once timeout")
	fs.BoolVar(&opts.debug, "debug", false, "development logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if strings.TrimSpace(opts.meetingID) == "" {
		return options{}, errors.New("meeting is required (-meeting or RELAYMEET_MEETING)")
	}
	if opts.timeout <= 0 {
		opts.timeout = 15 * time.Second
	}
	if opts.createShare {
		return opts, nil
	}
	if !meeting.ValidShareToken(opts.shareToken) {
		return options{}, errors.New("a valid share token is required (-share or RELAYMEET_SHARE)")
	}
	if strings.TrimSpace(opts.name) == "" {
		return options{}, errors.New("name is required (-name or RELAYMEET_NAME)")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client := meetingapi.NewClient(opts.baseURL, meetingapi.Options{Token: opts.token, Logger: logger.Named("api")})
	if opts.createShare {
		reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		share, err := client.CreateShare(reqCtx, opts.meetingID, opts.shareTTL)
		if err != nil {
			return fmt.Errorf("create share: %w", err)
		}
		_, err = fmt.Fprintln(stdout, share.Token)
		return err
	}

	session, err := collab.NewSession(collab.Options{
		MeetingID:  opts.meetingID,
		ShareToken: opts.shareToken,
		User: meeting.UserInfo{
			Name:      opts.name,
			Color:     opts.color,
			SessionID: uuid.NewString(),
		},
		Transport:   realtime.NewWebSocketTransport(client.RealtimeURL(), realtime.WebSocketOptions{Logger: logger.Named("realtime")}),
		Annotations: client,
		Notes:       client,
		Logger:      logger.Named("collab"),
	})
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	if err := waitUntil(ctx, session, opts.timeout, func(s collab.State) bool { return s.IsConnected }); err != nil {
		return fmt.Errorf("join share: %w", err)
	}
	logger.Info("joined share", zap.String("meeting_id", opts.meetingID), zap.String("share_token", opts.shareToken))

	if err := applyActions(ctx, session, opts); err != nil {
		return err
	}
	if opts.once {
		return waitUntil(ctx, session, opts.timeout, func(s collab.State) bool { return s.PendingOperations == 0 })
	}

	var mirror *notesMirror
	if opts.notesFile != "" {
		path, err := filepath.Abs(opts.notesFile)
		if err != nil {
			return err
		}
		mirror = newNotesMirror(path, session, logger.Named("mirror"))
		if err := mirror.pull(session.State()); err != nil {
			return fmt.Errorf("seed notes file: %w", err)
		}
		go func() {
			if err := mirror.watch(ctx); err != nil {
				logger.Error("notes mirror stopped", zap.Error(err))
			}
		}()
	}

	reporter := &changeReporter{logger: logger}
	reporter.report(session.State())
	for {
		select {
		case <-ctx.Done():
			logger.Info("leaving share")
			return nil
		case <-session.Changes():
			state := session.State()
			reporter.report(state)
			if mirror != nil {
				if err := mirror.pull(state); err != nil {
					logger.Warn("write notes file failed", zap.Error(err))
				}
			}
		}
	}
}

type annotator interface {
	AddHighlight(ctx context.Context, startLine, endLine int, text string) error
	AddComment(ctx context.Context, lineNumber int, text, parentID string) error
}

func applyActions(ctx context.Context, session annotator, opts options) error {
	if opts.highlight != "" {
		start, end, text, err := parseHighlight(opts.highlight)
		if err != nil {
			return err
		}
		if err := session.AddHighlight(ctx, start, end, text); err != nil {
			return fmt.Errorf("add highlight: %w", err)
		}
	}
	if opts.comment != "" {
		line, text, err := parseComment(opts.comment)
		if err != nil {
			return err
		}
		if err := session.AddComment(ctx, line, text, ""); err != nil {
			return fmt.Errorf("add comment: %w", err)
		}
	}
	return nil
}

// parseHighlight reads "START-END:TEXT". A single line may omit "-END".
func parseHighlight(raw string) (int, int, string, error) {
	span, text, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(text) == "" {
		return 0, 0, "", fmt.Errorf("invalid -highlight %q, expected START-END:TEXT", raw)
	}
	startRaw, endRaw, ranged := strings.Cut(span, "-")
	start, err := strconv.Atoi(strings.TrimSpace(startRaw))
	if err != nil {
		return 0, 0, "", fmt.Errorf("invalid -highlight start %q", startRaw)
	}
	end := start
	if ranged {
		if end, err = strconv.Atoi(strings.TrimSpace(endRaw)); err != nil {
			return 0, 0, "", fmt.Errorf("invalid -highlight end %q", endRaw)
		}
	}
	return start, end, text, nil
}

func parseComment(raw string) (int, string, error) {
	lineRaw, text, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(text) == "" {
		return 0, "", fmt.Errorf("invalid -comment %q, expected LINE:TEXT", raw)
	}
	line, err := strconv.Atoi(strings.TrimSpace(lineRaw))
	if err != nil {
		return 0, "", fmt.Errorf("invalid -comment line %q", lineRaw)
	}
	return line, text, nil
}

type stateSource interface {
	State() collab.State
	Changes() <-chan struct{}
}

func waitUntil(ctx context.Context, session stateSource, timeout time.Duration, cond func(collab.State) bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if cond(session.State()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("timed out")
		case <-session.Changes():
		}
	}
}

// changeReporter logs presence, annotation and connection changes.
type changeReporter struct {
	logger  *zap.Logger
	last    string
	started bool
}

func (r *changeReporter) report(state collab.State) {
	summary := summarize(state)
	if r.started && summary == r.last {
		return
	}
	r.started = true
	r.last = summary
	names := make([]string, 0, len(state.Presence))
	for _, p := range state.Presence {
		names = append(names, fmt.Sprintf("%s(%s)", p.UserInfo.Name, p.Status))
	}
	sort.Strings(names)
	r.logger.Info("meeting state",
		zap.Bool("connected", state.IsConnected),
		zap.Bool("connection_error", state.ConnectionError),
		zap.Strings("present", names),
		zap.Int("annotations", len(state.Annotations)),
		zap.Int("pending_operations", state.PendingOperations),
	)
}

func summarize(state collab.State) string {
	keys := make([]string, 0, len(state.Presence))
	for key, p := range state.Presence {
		keys = append(keys, key+"="+string(p.Status))
	}
	sort.Strings(keys)
	ids := make([]string, 0, len(state.Annotations))
	for _, a := range state.Annotations {
		ids = append(ids, a.ID+":"+a.Content)
	}
	return fmt.Sprintf("%t|%t|%d|%s|%s", state.IsConnected, state.ConnectionError, state.PendingOperations, strings.Join(keys, ","), strings.Join(ids, ","))
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}
