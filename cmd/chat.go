package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"loopsync/pkg/api"
	"loopsync/pkg/bus"
	"loopsync/pkg/config"
	"loopsync/pkg/datadir"
	"loopsync/pkg/engine"
	"loopsync/pkg/logger"
	"loopsync/pkg/message"
	"loopsync/pkg/metrics"
	"loopsync/pkg/session"
	"loopsync/pkg/transport"
	"loopsync/pkg/ui/chat"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const defaultConversation = "general"

var (
	promptText string
	plainMode  bool
	logFile    string
)

var chatCmd = &cobra.Command{
	Use:   "chat [conversation]",
	Short: "Join a conversation or send one prompt",
	Long:  "Loads LoopSync configuration, connects to the relay, seeds the conversation history and keeps it in sync over the configured push transport.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		logPath, err := resolveLogPath(logFile)
		if err != nil {
			fmt.Printf("failed to resolve log file: %v\n", err)
			return
		}
		log, closer, err := logger.NewFile(cfg.Logging, logPath)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		defer closer.Close()
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events := bus.NewMessageBus()
		defer events.Close()

		opts, err := sessionOptions(cfg, log, metrics.New(prometheus.NewRegistry()), events)
		if err != nil {
			fmt.Printf("failed to configure session: %v\n", err)
			return
		}
		manager, err := session.NewManager(opts)
		if err != nil {
			fmt.Printf("failed to initialize session manager: %v\n", err)
			return
		}
		defer manager.Close()

		sess, err := manager.Switch(ctx, resolveConversation(args))
		if err != nil {
			fmt.Printf("failed to open conversation: %v\n", err)
			return
		}

		info := chat.RuntimeInfo{BaseURL: cfg.Client.BaseURL, Transport: cfg.Client.Transport}
		switch {
		case strings.TrimSpace(promptText) != "":
			err = chat.RunOneShot(ctx, sess, promptText, info)
		case plainMode:
			err = runPlain(ctx, sess, os.Stdin, os.Stdout)
		default:
			err = chat.RunInteractive(ctx, sess, info)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Printf("chat failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "send one message, print the reply and exit")
	chatCmd.Flags().BoolVar(&plainMode, "plain", false, "line-oriented chat without the full-screen view")
	chatCmd.Flags().StringVar(&logFile, "log-file", "chat.log", "client log file, relative to ~/.loopsync unless absolute")
}

func resolveLogPath(name string) (string, error) {
	dir, err := datadir.Open("")
	if err != nil {
		return "", err
	}
	return dir.ResolveFile(name)
}

func resolveConversation(args []string) string {
	if len(args) == 0 {
		return defaultConversation
	}
	if value := strings.TrimSpace(args[0]); value != "" {
		return value
	}
	return defaultConversation
}

func sessionOptions(cfg *config.Config, log *slog.Logger, m *metrics.Metrics, events *bus.MessageBus) (session.Options, error) {
	header := http.Header{}
	if selfID := strings.TrimSpace(cfg.Client.SelfID); selfID != "" {
		header.Set(api.SenderHeader, selfID)
	}
	client, err := api.New(cfg.Client.BaseURL, nil, header)
	if err != nil {
		return session.Options{}, fmt.Errorf("create api client: %w", err)
	}

	return session.Options{
		Client:          client,
		Kind:            session.Kind(cfg.Client.Transport),
		SelfID:          cfg.Client.SelfID,
		AwaitReplies:    cfg.Client.AwaitReplies,
		PendingTimeout:  config.Duration(cfg.Client.PendingTimeoutMS),
		ReplyTimeout:    config.Duration(cfg.Client.ReplyTimeoutMS),
		SendTimeout:     config.Duration(cfg.Client.SendTimeoutMS),
		HistoryPageSize: cfg.Client.HistoryPageSize,
		Backoff: transport.Backoff{
			Base:        config.Duration(cfg.Reconnect.BaseDelayMS),
			Max:         config.Duration(cfg.Reconnect.MaxDelayMS),
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Bus:     events,
		Logger:  log,
		Metrics: m,
	}, nil
}

// runPlain reads lines from in and prints inbound traffic to out until the
// input ends or an exit command is typed.
func runPlain(ctx context.Context, sess chat.Observable, in io.Reader, out io.Writer) error {
	events, unsubscribe := sess.Events(ctx, 64)

	printer := newTranscript(out)
	printer.flush(sess.Snapshot())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			printer.flush(sess.Snapshot())
			if ev.Type == bus.EventSendFailed && ev.Error != "" {
				printer.printf("🚨 %s\n", ev.Error)
			}
		}
	}()
	defer wg.Wait()
	defer unsubscribe()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		var err error
		switch {
		case line == "/retry":
			err = sess.Retry(ctx)
		case line == "/revise" || strings.HasPrefix(line, "/revise "):
			err = sess.RequestRevision(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/revise")))
		default:
			err = sess.Submit(ctx, line)
		}
		if err != nil {
			printer.printf("🚨 %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// transcript prints each inbound message once.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
	recs    string
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, printed: make(map[string]bool)}
}

func (t *transcript) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *transcript) flush(view engine.View) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range view.Messages {
		if msg.Author == message.AuthorLocal || msg.State != message.StateConfirmed || msg.ID == "" {
			continue
		}
		if t.printed[msg.ID] {
			continue
		}
		t.printed[msg.ID] = true

		switch msg.Author {
		case message.AuthorRemote:
			printLines(t.out, "👥 "+msg.SenderID+": ", msg.Body)
		case message.AuthorSystem:
			printLines(t.out, "⚠️  ", msg.Body)
		default:
			printLines(t.out, "🤖 ", msg.Body)
		}
	}

	key := recommendationKey(view.Recommendations)
	if key != t.recs && view.Recommendations.Len() > 0 {
		for _, item := range view.Recommendations.Items {
			fmt.Fprintf(t.out, "   • %s\n", item.Title)
		}
		fmt.Fprintln(t.out)
	}
	t.recs = key
}

func recommendationKey(set *message.RecommendationSet) string {
	if set.Len() == 0 {
		return ""
	}
	titles := make([]string, 0, set.Len())
	for _, item := range set.Items {
		titles = append(titles, item.Title+"@"+item.StartsAt)
	}
	return strings.Join(titles, "|")
}

func printLines(out io.Writer, prefix string, body string) {
	lines := assistantLines(body)
	for _, line := range lines {
		fmt.Fprintf(out, "%s%s\n", prefix, line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func assistantLines(body string) []string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
