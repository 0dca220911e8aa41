package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harun/conduit/internal/daemon"
	"github.com/harun/conduit/pkg/realtime"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var voiceToolkits []string

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Open a realtime session in text mode",
	Long: `Open a realtime model session from the terminal. Lines typed on stdin are
sent as user messages; tool calls run through the same dispatch engine as
the daemon.

  /approve <invocation-id>   approve a pending confirmation
  /deny <invocation-id>      decline a pending confirmation
  /pending                   list pending confirmations
  /quit                      end the session`,
	RunE: runVoice,
}

func init() {
	voiceCmd.Flags().StringSliceVar(&voiceToolkits, "toolkits", nil, "toolkits the session may use (default from config)")
	rootCmd.AddCommand(voiceCmd)
}

func runVoice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Realtime.APIKey == "" {
		return fmt.Errorf("realtime.api_key is not configured")
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	stack, err := daemon.NewToolStack(cfg, log.Component("toolexecutor"))
	if err != nil {
		return err
	}
	defer stack.Close()

	toolkits := voiceToolkits
	if len(toolkits) == 0 {
		toolkits = cfg.Tools.DefaultToolkits
	}

	out := &syncWriter{w: cmd.OutOrStdout()}
	term := &terminalSurface{out: out}
	stack.Dispatcher.Gate().SetNotifier(term)

	session, err := realtime.NewSession(realtime.Config{
		Dialer: &realtime.WebsocketDialer{
			URL:      cfg.Realtime.URL,
			Model:    cfg.Realtime.Model,
			APIKey:   cfg.Realtime.APIKey,
			Attempts: cfg.Realtime.DialAttempts,
		},
		Dispatcher:      stack.Dispatcher,
		Permissions:     toolexecutor.Resolve(toolexecutor.CallerAllow{Toolkits: toolkits}, nil),
		Instructions:    cfg.Realtime.Instructions,
		Voice:           cfg.Realtime.Voice,
		Surface:         term,
		Observer:        term.observer(),
		StepDelay:       time.Duration(cfg.Realtime.StepDelayMillis) * time.Millisecond,
		AckTimeout:      time.Duration(cfg.Realtime.AckTimeoutMillis) * time.Millisecond,
		FallbackTimeout: time.Duration(cfg.Realtime.FallbackTimeoutMs) * time.Millisecond,
		Logger:          log.Component("realtime"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-session.Done():
			return session.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleVoiceLine(session, out, line); quit {
				return nil
			}
		}
	}
}

// voiceSession is the part of realtime.Session the terminal loop drives.
type voiceSession interface {
	SendText(text string) error
	Confirm(invocationID string, d toolexecutor.Decision) error
	Pending() []toolexecutor.ConfirmationRequest
}

// handleVoiceLine runs one line of terminal input and reports whether the
// user asked to quit.
func handleVoiceLine(s voiceSession, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/pending":
		pending := s.Pending()
		if len(pending) == 0 {
			fmt.Fprintln(out, "no pending confirmations")
		}
		for _, p := range pending {
			fmt.Fprintf(out, "  %s  %s\n", p.InvocationID, p.Tool)
		}
		return false
	case "/approve", "/deny":
		if len(fields) < 2 {
			fmt.Fprintf(out, "usage: %s <invocation-id>\n", fields[0])
			return false
		}
		d := toolexecutor.Decision{Approved: fields[0] == "/approve", Actor: "terminal"}
		if len(fields) > 2 {
			d.Reason = strings.Join(fields[2:], " ")
		}
		if err := s.Confirm(fields[1], d); err != nil {
			fmt.Fprintf(out, "confirm failed: %v\n", err)
		}
		return false
	}

	if err := s.SendText(line); err != nil {
		fmt.Fprintf(out, "send failed: %v\n", err)
	}
	return false
}

// terminalSurface prints control-tool effects and session events.
type terminalSurface struct {
	out io.Writer
}

func (t *terminalSurface) SetTheme(ctx context.Context, theme string) error {
	fmt.Fprintf(t.out, "[theme] %s\n", theme)
	return nil
}

func (t *terminalSurface) SetEnvironment(ctx context.Context, environment string) error {
	fmt.Fprintf(t.out, "[environment] %s\n", environment)
	return nil
}

func (t *terminalSurface) EndSession(ctx context.Context, reason string) error {
	fmt.Fprintf(t.out, "[session ending] %s\n", reason)
	return nil
}

func (t *terminalSurface) ConfirmationRequested(ctx context.Context, req toolexecutor.ConfirmationRequest) {
	fmt.Fprintf(t.out, "[confirm] %s wants to run %s (/approve %s or /deny %s)\n",
		req.Source, req.Tool, req.InvocationID, req.InvocationID)
}

func (t *terminalSurface) observer() realtime.Observer {
	return realtime.Observer{
		OnState: func(st realtime.State) {
			fmt.Fprintf(t.out, "[state] %s\n", st)
		},
		OnTranscript: func(e realtime.TranscriptEntry) {
			if e.Final {
				fmt.Fprintf(t.out, "%s: %s\n", e.Role, e.Text)
			}
		},
		OnToolProgress: func(ev toolexecutor.ProgressEvent) {
			if ev.Kind.Terminal() {
				fmt.Fprintf(t.out, "[tool] %s %s\n", ev.Tool, ev.Kind)
			}
		},
		OnError: func(err error) {
			fmt.Fprintf(t.out, "[error] %v\n", err)
		},
	}
}

// syncWriter serializes writes from the session goroutines and the input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
