package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"orgbot/internal/engine"
)

// CLI is an interactive terminal chat against one session.
type CLI struct {
	engine    Answerer
	sessionID string
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	spinner   bool

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Engine    Answerer
	SessionID string
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	Spinner   bool // animate while waiting; off for non-terminals
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "cli"
	}
	return &CLI{
		engine:    cfg.Engine,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		spinner:   cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL until EOF, /quit or ctx cancellation.
func (c *CLI) Start(ctx context.Context) error {
	fmt.Fprintln(c.out, "orgbot chat. Commands: /clear, /refine, /bad, /good, /quit")
	fmt.Fprint(c.out, "You> ")

	var last string
	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
		case "/quit", "/exit", "/q":
			c.logger.Info("user requested quit")
			return nil
		case "/clear":
			if err := c.engine.ClearHistory(ctx, c.sessionID); err != nil {
				fmt.Fprintln(c.out, "error:", err)
			} else {
				last = ""
				fmt.Fprintln(c.out, "Conversation cleared.")
			}
		case "/good":
			if last != "" {
				fmt.Fprintln(c.out, "Thanks for the feedback.")
			}
		case "/refine", "/bad":
			if last == "" {
				fmt.Fprintln(c.out, "There is no answer to refine yet.")
				break
			}
			c.startThinking()
			ans, err := c.engine.Feedback(ctx, c.sessionID, last, engine.VerdictNegative)
			c.stopThinking()
			if c.print(ans, err) {
				last = ans.Text
			}
		default:
			c.startThinking()
			ans, err := c.engine.Answer(ctx, c.sessionID, line)
			c.stopThinking()
			if c.print(ans, err) {
				last = ans.Text
			}
		}
		fmt.Fprint(c.out, "You> ")
	}
}

func (c *CLI) print(ans engine.Answer, err error) bool {
	if err != nil {
		fmt.Fprintln(c.out, "error:", err)
		return false
	}
	fmt.Fprintf(c.out, "--- orgbot (%s) ---\n", ans.Source)
	fmt.Fprintln(c.out, ans.Text)
	if ans.MatchedSource != "" {
		fmt.Fprintf(c.out, "[source: %s, score %d]\n", ans.MatchedSource, ans.Score)
	}
	fmt.Fprintln(c.out, "----------------")
	return true
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				fmt.Fprint(c.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}
