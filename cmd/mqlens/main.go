// mqlens is a thin command-line shell over the core: it loads connection
// profiles, connects the requested one, and runs a single operation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/glimte/mqlens-go/connections"
	"github.com/glimte/mqlens-go/contracts"
	"github.com/glimte/mqlens-go/monitor"
	"github.com/glimte/mqlens-go/providers"
)

var version = "dev"

type cli struct {
	profilesPath string
	connectionID string
	verbose      bool
}

func main() {
	// Cloud credentials commonly live in a .env next to the profiles.
	_ = godotenv.Load()

	c := &cli{}

	rootCmd := &cobra.Command{
		Use:     "mqlens",
		Short:   "Inspect and manipulate queues across heterogeneous brokers",
		Long:    "mqlens browses, puts, deletes and clears messages on RabbitMQ, Kafka, SQS and Azure Service Bus through one uniform operation set.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&c.profilesPath, "profiles", "p", "profiles.yaml", "path to the connection profiles file")
	rootCmd.PersistentFlags().StringVarP(&c.connectionID, "connection", "c", "", "profile id to operate on")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(c.queuesCommand(), c.messagesCommand(), c.topicsCommand(), c.channelsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run connects the requested profile, invokes fn, and disconnects.
func (c *cli) run(fn func(ctx context.Context, p providers.Provider, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if c.verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		if c.connectionID == "" {
			return fmt.Errorf("--connection is required")
		}
		profiles, err := connections.LoadProfiles(c.profilesPath)
		if err != nil {
			return err
		}

		mgr := connections.NewManager(profiles, connections.WithLogger(logger))
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := mgr.Connect(ctx, c.connectionID); err != nil {
			return err
		}
		defer mgr.DisconnectAll(context.Background())

		provider, err := mgr.Provider(c.connectionID)
		if err != nil {
			return err
		}
		return fn(ctx, provider, args)
	}
}

func (c *cli) queuesCommand() *cobra.Command {
	queuesCmd := &cobra.Command{Use: "queues", Short: "List and manage queues"}

	var listFilter string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queues",
		RunE: c.run(func(ctx context.Context, p providers.Provider, _ []string) error {
			infos, err := p.ListQueues(ctx, listFilter)
			if err != nil {
				return err
			}
			for _, q := range infos {
				depth := "unknown"
				if q.Depth != contracts.DepthUnknown {
					depth = fmt.Sprintf("%d", q.Depth)
				}
				fmt.Printf("%-50s depth=%s consumers=%d\n", q.Name, depth, q.Consumers)
			}
			return nil
		}),
	}
	listCmd.Flags().StringVar(&listFilter, "filter", "", "name substring filter")

	depthCmd := &cobra.Command{
		Use:   "depth <queue>",
		Short: "Show the approximate queue depth",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			depth := p.QueueDepth(ctx, args[0])
			if depth == contracts.DepthUnknown {
				fmt.Printf("%s: depth unknown\n", args[0])
				return nil
			}
			fmt.Printf("%s: %d\n", args[0], depth)
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear <queue>",
		Short: "Remove all messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			return p.ClearQueue(ctx, args[0])
		}),
	}

	propsCmd := &cobra.Command{
		Use:   "props <queue>",
		Short: "Show queue properties",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			props, err := p.QueueProperties(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(props, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}),
	}

	var (
		watchInterval time.Duration
		watchFilter   string
	)
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll queue depths continuously",
		RunE: c.run(func(ctx context.Context, p providers.Provider, _ []string) error {
			w := monitor.NewDepthWatcher(p,
				monitor.WithInterval(watchInterval),
				monitor.WithFilter(watchFilter),
				monitor.OnPoll(renderSnapshot))
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}),
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", monitor.DefaultInterval, "poll interval")
	watchCmd.Flags().StringVar(&watchFilter, "filter", "", "name substring filter")

	queuesCmd.AddCommand(listCmd, depthCmd, clearCmd, propsCmd, watchCmd)
	return queuesCmd
}

func renderSnapshot(s monitor.Snapshot) {
	fmt.Printf("\n%s  queues=%d  total=%d\n", s.Taken.Format("15:04:05"), len(s.Queues), s.TotalDepth())
	for _, q := range s.Queues {
		depth := "unknown"
		if q.Depth != contracts.DepthUnknown {
			depth = fmt.Sprintf("%d", q.Depth)
		}
		fmt.Printf("%-50s depth=%s consumers=%d\n", q.Name, depth, q.Consumers)
	}
}

func (c *cli) messagesCommand() *cobra.Command {
	messagesCmd := &cobra.Command{Use: "messages", Short: "Browse and manipulate messages"}

	var (
		browseLimit int
		browseStart int64
	)
	browseCmd := &cobra.Command{
		Use:   "browse <queue>",
		Short: "Browse messages without consuming them",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			msgs, err := p.Browse(ctx, args[0], contracts.BrowseOptions{
				Limit:         browseLimit,
				StartPosition: browseStart,
			})
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("id=%s correlationId=%s payload=%q\n", m.ID, m.CorrelationID, string(m.Payload))
			}
			fmt.Fprintf(os.Stderr, "%d message(s)\n", len(msgs))
			return nil
		}),
	}
	browseCmd.Flags().IntVar(&browseLimit, "limit", contracts.DefaultBrowseLimit, "maximum messages to return")
	browseCmd.Flags().Int64Var(&browseStart, "start", 0, "logical start position")

	var putProps []string
	putCmd := &cobra.Command{
		Use:   "put <queue> <payload>",
		Short: "Put a message on a queue",
		Args:  cobra.ExactArgs(2),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			props := make(map[string]string, len(putProps))
			for _, kv := range putProps {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --prop %q, want key=value", kv)
				}
				props[parts[0]] = parts[1]
			}
			return p.Put(ctx, args[0], []byte(args[1]), props)
		}),
	}
	putCmd.Flags().StringArrayVar(&putProps, "prop", nil, "message property key=value (repeatable)")

	deleteCmd := &cobra.Command{
		Use:   "delete <queue> <id>...",
		Short: "Delete messages by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			result := p.DeleteMessages(ctx, args[0], args[1:])
			for _, id := range result.Deleted {
				fmt.Printf("deleted %s\n", id)
			}
			for id, err := range result.Failed {
				fmt.Fprintf(os.Stderr, "failed %s: %v\n", id, err)
			}
			if !result.AllSucceeded() {
				return fmt.Errorf("%d of %d deletes failed", len(result.Failed), len(args)-1)
			}
			return nil
		}),
	}

	messagesCmd.AddCommand(browseCmd, putCmd, deleteCmd)
	return messagesCmd
}

func (c *cli) topicsCommand() *cobra.Command {
	topicsCmd := &cobra.Command{Use: "topics", Short: "List topics on providers that support them"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: c.run(func(ctx context.Context, p providers.Provider, _ []string) error {
			tb, ok := p.(providers.TopicBrowser)
			if !ok || !p.Supports(providers.CapTopics) {
				return contracts.ErrUnsupported
			}
			infos, err := tb.ListTopics(ctx, "")
			if err != nil {
				return err
			}
			for _, t := range infos {
				fmt.Printf("%-50s partitions=%d subscriptions=%d\n", t.Name, t.Partitions, t.Subscriptions)
			}
			return nil
		}),
	}
	publishCmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Publish a message to a topic",
		Args:  cobra.ExactArgs(2),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			tb, ok := p.(providers.TopicBrowser)
			if !ok || !p.Supports(providers.CapTopics) {
				return contracts.ErrUnsupported
			}
			return tb.Publish(ctx, args[0], []byte(args[1]), nil)
		}),
	}

	subsCmd := &cobra.Command{
		Use:   "subs <topic>",
		Short: "List a topic's subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			sb, ok := p.(providers.SubscriptionBrowser)
			if !ok || !p.Supports(providers.CapSubscriptions) {
				return contracts.ErrUnsupported
			}
			infos, err := sb.ListSubscriptions(ctx, args[0])
			if err != nil {
				return err
			}
			for _, s := range infos {
				depth := "unknown"
				if s.Depth != contracts.DepthUnknown {
					depth = fmt.Sprintf("%d", s.Depth)
				}
				fmt.Printf("%s/%-40s depth=%s\n", s.Topic, s.Name, depth)
			}
			return nil
		}),
	}

	var subBrowseLimit int
	subBrowseCmd := &cobra.Command{
		Use:   "browse <topic> <subscription>",
		Short: "Browse a subscription without consuming it",
		Args:  cobra.ExactArgs(2),
		RunE: c.run(func(ctx context.Context, p providers.Provider, args []string) error {
			sb, ok := p.(providers.SubscriptionBrowser)
			if !ok || !p.Supports(providers.CapSubscriptions) {
				return contracts.ErrUnsupported
			}
			msgs, err := sb.BrowseSubscription(ctx, args[0], args[1], contracts.BrowseOptions{Limit: subBrowseLimit})
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("id=%s correlationId=%s payload=%q\n", m.ID, m.CorrelationID, string(m.Payload))
			}
			return nil
		}),
	}
	subBrowseCmd.Flags().IntVar(&subBrowseLimit, "limit", contracts.DefaultBrowseLimit, "maximum messages to return")

	topicsCmd.AddCommand(listCmd, publishCmd, subsCmd, subBrowseCmd)
	return topicsCmd
}

func (c *cli) channelsCommand() *cobra.Command {
	channelsCmd := &cobra.Command{Use: "channels", Short: "Inspect broker channels where the backend exposes them"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: c.run(func(ctx context.Context, p providers.Provider, _ []string) error {
			cl, ok := p.(providers.ChannelLister)
			if !ok || !p.Supports(providers.CapChannels) {
				return contracts.ErrUnsupported
			}
			infos, err := cl.ListChannels(ctx)
			if err != nil {
				return err
			}
			for _, ch := range infos {
				fmt.Printf("%-40s state=%-10s user=%-12s unacked=%d\n", ch.Name, ch.State, ch.User, ch.Messages)
			}
			return nil
		}),
	}

	channelsCmd.AddCommand(listCmd)
	return channelsCmd
}
