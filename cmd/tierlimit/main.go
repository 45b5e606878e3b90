// Command tierlimit serves the tier-based rate limiter over HTTP and runs
// deterministic simulations of its algorithms.
//
// Usage:
//
//	tierlimit serve --config tierlimit.yaml
//	tierlimit simulate --tier FREE --algorithm token_bucket --requests 12 --interval 500ms
//	tierlimit tiers
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	ratelimit "github.com/KARTIKrocks/go-tierlimit"
	"github.com/KARTIKrocks/go-tierlimit/config"
	"github.com/KARTIKrocks/go-tierlimit/internal/server"
	"github.com/KARTIKrocks/go-tierlimit/metrics"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP API."`
	Simulate SimulateCmd `cmd:"" help:"Replay a request pattern against one tier on a simulated clock."`
	Tiers    TiersCmd    `cmd:"" help:"Show the tier table."`

	Config   string `short:"c" help:"Path to config file." type:"path" env:"TIERLIMIT_CONFIG"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error); overrides the config file."`
}

func version() string {
	v := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			v = info.Main.Version
		}
	}
	return v
}

// load reads the configuration named by --config, or the defaults.
func (cli *CLI) load() (*config.Config, error) {
	if err := config.LoadDotEnvForConfig(cli.Config); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(out io.Writer) error {
	_, err := fmt.Fprintf(out, "tierlimit version %s\n", version())
	return err
}

// ServeCmd starts the HTTP API.
type ServeCmd struct {
	Addr string `help:"Address to listen on; overrides the config file."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	logger := cfg.Logger("tierlimit")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector()
	collector.RegisterPrometheus(reg)

	svc, err := cfg.Build(
		ratelimit.WithServiceLogger(logger.Named("service")),
		ratelimit.WithObserver(collector),
	)
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("starting",
		"version", version(),
		"tiers", len(cfg.Tiers),
		"clients", len(cfg.Clients),
		"default_algorithm", cfg.DefaultAlgorithm,
	)

	srv := server.New(svc,
		server.WithLogger(logger),
		server.WithCollector(collector),
		server.WithGatherer(reg),
		server.WithVersion(version()),
	)
	return srv.Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
}

// SimulateCmd replays evenly spaced requests from one client on a manual
// clock, so runs are reproducible.
type SimulateCmd struct {
	Tier      string        `help:"Tier to simulate." default:"FREE"`
	Algorithm string        `short:"a" help:"Algorithm (token_bucket, leaky_bucket, fixed_window, sliding_window_log, sliding_window_counter)." default:"token_bucket"`
	Requests  int           `short:"n" help:"Number of requests." default:"12"`
	Interval  time.Duration `short:"i" help:"Time between requests." default:"500ms"`
	Compare   bool          `help:"Run the same pattern through every algorithm and print a summary."`
}

func (c *SimulateCmd) Run(cli *CLI, out io.Writer) error {
	if c.Requests <= 0 {
		return fmt.Errorf("--requests must be positive, got %d", c.Requests)
	}
	if c.Interval < 0 {
		return fmt.Errorf("--interval must not be negative, got %s", c.Interval)
	}

	cfg, err := cli.load()
	if err != nil {
		return err
	}

	tier := ratelimit.ParseTier(c.Tier)
	quota, ok := cfg.TierTable()[tier]
	if !ok {
		return fmt.Errorf("%w: %q", ratelimit.ErrUnknownTier, c.Tier)
	}

	if c.Compare {
		return c.compare(out, tier, quota)
	}

	kind, err := ratelimit.ParseKind(c.Algorithm)
	if err != nil {
		return err
	}
	return c.replay(out, cfg, tier, kind)
}

// replay drives one client through a Service and prints every decision.
func (c *SimulateCmd) replay(out io.Writer, cfg *config.Config, tier ratelimit.Tier, kind ratelimit.Kind) error {
	start := time.Unix(0, 0)
	clock := ratelimit.NewManualClock(start)
	collector := metrics.NewCollector()

	svc, err := ratelimit.NewService(cfg.TierTable(),
		ratelimit.WithServiceClock(clock),
		ratelimit.WithDefaultAlgorithm(kind),
		ratelimit.WithObserver(collector),
	)
	if err != nil {
		return err
	}
	defer svc.Close()

	const clientID = "simulated"
	if err := svc.Register(clientID, tier); err != nil {
		return err
	}

	info, err := svc.Client(clientID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s, tier %s (%s)\n", kind.DisplayName(), tier, info.Config)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tt\tresult\tremaining\tretry_after")
	for i := 1; i <= c.Requests; i++ {
		d, err := svc.Allow(clientID)
		if err != nil {
			return err
		}
		result := "allowed"
		if !d.Allowed {
			result = "denied"
		}
		fmt.Fprintf(tw, "%d\t+%s\t%s\t%d\t%s\n", i, clock.Now().Sub(start), result, d.Remaining, d.RetryAfter)
		clock.Advance(c.Interval)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	stats := collector.GetStats(metrics.Key{Algorithm: kind.String(), Tier: string(tier)})
	_, err = fmt.Fprintf(out, "allowed %d, denied %d\n", stats.Allowed, stats.Denied)
	return err
}

// compare runs the pattern through a standalone instance of every
// algorithm, one simulated clock each.
func (c *SimulateCmd) compare(out io.Writer, tier ratelimit.Tier, quota ratelimit.Config) error {
	collector := metrics.NewCollector()

	for _, kind := range ratelimit.Kinds() {
		clock := ratelimit.NewManualClock(time.Unix(0, 0))
		alg, err := kind.New(quota, ratelimit.WithClock(clock))
		if err != nil {
			return err
		}
		inst := metrics.NewInstrumentedWithCollector(alg, string(tier), collector)
		for i := 0; i < c.Requests; i++ {
			inst.Allow("simulated")
			clock.Advance(c.Interval)
		}
		inst.Close()
	}

	fmt.Fprintf(out, "tier %s (%s), %d requests every %s\n", tier, quota, c.Requests, c.Interval)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "algorithm\tallowed\tdenied")
	for _, kind := range ratelimit.Kinds() {
		stats := collector.GetStats(metrics.Key{Algorithm: kind.String(), Tier: string(tier)})
		fmt.Fprintf(tw, "%s\t%d\t%d\n", kind.DisplayName(), stats.Allowed, stats.Denied)
	}
	return tw.Flush()
}

// TiersCmd prints the tier table.
type TiersCmd struct{}

func (c *TiersCmd) Run(cli *CLI, out io.Writer) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}

	table := cfg.TierTable()
	tiers := make([]ratelimit.Tier, 0, len(table))
	for tier := range table {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return table[tiers[i]].MaxRequests < table[tiers[j]].MaxRequests
	})

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tMAX REQUESTS\tWINDOW")
	for _, tier := range tiers {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", tier, table[tier].MaxRequests, table[tier].Window)
	}
	fmt.Fprintf(tw, "\ndefault algorithm: %s\n", cfg.DefaultAlgorithm)
	return tw.Flush()
}

func newParser(cli *CLI, stdout, stderr io.Writer) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("tierlimit"),
		kong.Description("Tier-based rate limiting with five admission algorithms."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.BindTo(stdout, (*io.Writer)(nil)),
	)
}

// run parses args and runs the selected command.
func run(args []string, stdout, stderr io.Writer) error {
	cli := &CLI{}
	parser, err := newParser(cli, stdout, stderr)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(cli)
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "tierlimit: %v\n", err)
		os.Exit(1)
	}
}
