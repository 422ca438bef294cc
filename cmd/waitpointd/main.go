// Command waitpointd serves the waitpoint API and talks to a running server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/config"
	"github.com/goliatone/go-waitpoint/httpapi"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config      string        `short:"c" type:"path" env:"WAITPOINT_CONFIG" help:"YAML config file."`
	URL         string        `name:"url" default:"http://localhost:8080" env:"WAITPOINT_URL" help:"Base URL of a running waitpointd."`
	Environment string        `short:"e" env:"WAITPOINT_ENVIRONMENT" help:"Environment id sent with client calls."`
	Timeout     time.Duration `name:"request-timeout" default:"30s" help:"Client request timeout."`

	out io.Writer `kong:"-"`
}

func (g *Globals) client() *httpapi.Client {
	return httpapi.NewClient(g.URL, httpapi.WithEnvironment(g.Environment))
}

func (g *Globals) print(v any) error {
	out := g.out
	if out == nil {
		out = os.Stdout
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (g *Globals) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.Timeout)
}

type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve  ServeCmd  `cmd:"" help:"Run the waitpoint server."`
	Token  TokenCmd  `cmd:"" help:"Create, complete and inspect waitpoint tokens."`
	Batch  BatchCmd  `cmd:"" help:"Drive batch completion."`
	Events EventsCmd `cmd:"" help:"Inspect task events."`
}

type ServeCmd struct {
	Address string `help:"Override server.address."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	logger := newLogger(cfg.Logging, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

type TokenCmd struct {
	Create   TokenCreateCmd   `cmd:"" help:"Create a MANUAL token."`
	Complete TokenCompleteCmd `cmd:"" help:"Complete a waiting token."`
	Get      TokenGetCmd      `cmd:"" help:"Retrieve a token."`
	List     TokenListCmd     `cmd:"" help:"List tokens, newest first."`
}

type TokenCreateCmd struct {
	IdempotencyKey    string   `name:"key" help:"Idempotency key."`
	IdempotencyKeyTTL string   `name:"key-ttl" help:"Idempotency key TTL, e.g. 1h or 7d."`
	Timeout           string   `help:"Deadline as a period (10m, 2d) or RFC3339 date."`
	Tags              []string `name:"tag" help:"Tag, repeatable."`
}

func (c *TokenCreateCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	res, err := g.client().CreateToken(ctx, waitpoint.CreateTokenRequest{
		IdempotencyKey:    c.IdempotencyKey,
		IdempotencyKeyTTL: c.IdempotencyKeyTTL,
		Timeout:           c.Timeout,
		Tags:              c.Tags,
	})
	if err != nil {
		return err
	}
	return g.print(res)
}

type TokenCompleteCmd struct {
	ID   string `arg:"" help:"Token id."`
	Data string `help:"JSON output. Use @file to read it from a file or @- for stdin."`
}

func (c *TokenCompleteCmd) Run(g *Globals) error {
	var data any
	if c.Data != "" {
		raw, err := readData(c.Data)
		if err != nil {
			return err
		}
		if !json.Valid(raw) {
			return waitpoint.NewError(waitpoint.ErrInvalidInput, "data must be JSON", nil, nil)
		}
		data = json.RawMessage(raw)
	}
	ctx, cancel := g.context()
	defer cancel()
	res, err := g.client().CompleteToken(ctx, c.ID, data)
	if err != nil {
		return err
	}
	return g.print(res)
}

func readData(value string) ([]byte, error) {
	switch {
	case value == "@-":
		return io.ReadAll(os.Stdin)
	case strings.HasPrefix(value, "@"):
		return os.ReadFile(strings.TrimPrefix(value, "@"))
	default:
		return []byte(value), nil
	}
}

type TokenGetCmd struct {
	ID string `arg:"" help:"Token id."`
}

func (c *TokenGetCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	view, err := g.client().Retrieve(ctx, c.ID)
	if err != nil {
		return err
	}
	return g.print(view)
}

type TokenListCmd struct {
	Status []string `help:"WAITING, COMPLETED or TIMED_OUT. Repeatable."`
	Key    string   `name:"key" help:"Only tokens with this idempotency key."`
	Tags   []string `name:"tag" help:"Only tokens carrying every tag. Repeatable."`
	Period string   `help:"Only tokens created within this period, e.g. 24h."`
	Limit  int      `help:"Page size."`
	After  string   `help:"Cursor from a previous page."`
	All    bool     `help:"Follow cursors and print every token."`
}

func (c *TokenListCmd) query(env string) waitpoint.ListTokensQuery {
	q := waitpoint.ListTokensQuery{
		EnvironmentID:  env,
		IdempotencyKey: c.Key,
		Tags:           c.Tags,
		Period:         c.Period,
		Limit:          c.Limit,
		After:          c.After,
	}
	for _, raw := range c.Status {
		q.Status = append(q.Status, waitpoint.Status(strings.ToUpper(raw)))
	}
	return q
}

func (c *TokenListCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	client := g.client()
	q := c.query(g.Environment)
	if !c.All {
		page, err := client.ListTokens(ctx, q)
		if err != nil {
			return err
		}
		return g.print(page)
	}
	var all []httpapi.TokenView
	for view, err := range client.IterTokens(ctx, q) {
		if err != nil {
			return err
		}
		all = append(all, view)
	}
	return g.print(all)
}

type BatchCmd struct {
	Recompute BatchRecomputeCmd `cmd:"" help:"Recompute batch completion now."`
	Report    BatchReportCmd    `cmd:"" help:"Report a run status change for a batch member."`
}

type BatchRecomputeCmd struct {
	ID string `arg:"" help:"Batch id."`
}

func (c *BatchRecomputeCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	outcome, err := g.client().RecomputeBatch(ctx, c.ID)
	if err != nil {
		return err
	}
	return g.print(map[string]string{"batchId": c.ID, "outcome": outcome})
}

type BatchReportCmd struct {
	BatchID string `arg:"" help:"Batch id."`
	RunID   string `arg:"" help:"Run id."`
	Status  string `arg:"" help:"New run status, e.g. COMPLETED_SUCCESSFULLY."`
}

func (c *BatchReportCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	return g.client().ReportRunStatus(ctx, c.BatchID, c.RunID, c.Status)
}

type EventsCmd struct {
	Trace EventsTraceCmd `cmd:"" help:"Print the span summary of a trace."`
}

type EventsTraceCmd struct {
	TraceID string `arg:"" help:"Trace id."`
	Store   string `help:"Event store the trace was written to (taskEvent or taskEventPartitioned)."`
	Debug   bool   `help:"Include debug log events."`
}

func (c *EventsTraceCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	events, err := g.client().TraceEvents(ctx, c.TraceID, c.Store, c.Debug)
	if err != nil {
		return err
	}
	return g.print(events)
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name("waitpointd"),
		kong.Description("Durable waitpoints, idempotent waits and debounced batch completion."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	}, opts...)...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(ctx.Run(&cli.Globals))
}
