package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-trust/internal/node"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

var identityCmd = &cobra.Command{
	Use:   "identity [name:value]",
	Short: "Show the identity an attribute belongs to, or search identities",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIdentity,
}

var distanceCmd = &cobra.Command{
	Use:   "distance <name:value> [from name:value]",
	Short: "Show the trust distance to an attribute from the root or another viewpoint",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runDistance,
}

var viewpointCmd = &cobra.Command{
	Use:   "viewpoint [name:value]",
	Short: "List trust-indexed viewpoints, or add one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runViewpoint,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute trust graphs and rebuild the published index",
	RunE:  runReindex,
}

var syncCmd = &cobra.Command{
	Use:   "sync <name>",
	Short: "Consume the index a peer publishes under name",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node statistics",
	RunE:  runStats,
}

var (
	identityView   string
	identitySearch string
	identityLimit  int
	viewpointDepth int
)

func init() {
	identityCmd.Flags().StringVar(&identityView, "viewpoint", "", "viewpoint attribute (defaults to the root)")
	identityCmd.Flags().StringVar(&identitySearch, "search", "", "search identities by attribute value")
	identityCmd.Flags().IntVar(&identityLimit, "limit", 20, "maximum search results")
	viewpointCmd.Flags().IntVar(&viewpointDepth, "depth", 0, "graph depth (defaults to trust.max_depth)")

	rootCmd.AddCommand(identityCmd, distanceCmd, viewpointCmd, reindexCmd, syncCmd, statsCmd)
}

func runIdentity(cmd *cobra.Command, args []string) error {
	var attr, viewpoint statement.Attribute
	var err error
	if len(args) == 1 {
		if attr, err = statement.ParseAttribute(args[0]); err != nil {
			return err
		}
	}
	if identityView != "" {
		if viewpoint, err = statement.ParseAttribute(identityView); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	_, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	ids, err := svc.QueryIdentityAttributes(ctx, attr, viewpoint, identitySearch, identityLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, id := range ids {
		fmt.Fprintf(w, "identity %d (viewpoint %s)\n", id.ID, id.Viewpoint)
		for _, m := range id.Members {
			fmt.Fprintf(w, "  %s\t+%d\t-%d\n", m.Attribute, m.Confirmations, m.Refutations)
		}
	}
	return w.Flush()
}

func runDistance(cmd *cobra.Command, args []string) error {
	to, err := statement.ParseAttribute(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	_, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	from := svc.Root()
	if len(args) == 2 {
		if from, err = statement.ParseAttribute(args[1]); err != nil {
			return err
		}
	}
	d, ok, err := svc.TrustDistance(ctx, from, to)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is not trusted by %s\n", to, from)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", d)
	return nil
}

func runViewpoint(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if len(args) == 1 {
		attr, err := statement.ParseAttribute(args[0])
		if err != nil {
			return err
		}
		depth := viewpointDepth
		if depth <= 0 {
			depth = cfg.Trust.MaxDepth
		}
		if err := svc.AddTrustIndexedAttribute(ctx, attr, depth); err != nil {
			return err
		}
	}

	vs, err := svc.Viewpoints(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VIEWPOINT\tDEPTH")
	for _, v := range vs {
		fmt.Fprintf(w, "%s\t%d\n", v.Attribute, v.Depth)
	}
	return w.Flush()
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	kind, err := svc.TriggerFullReindex(ctx)
	if err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	dir, err := svc.Directory(ctx)
	if err != nil {
		return err
	}
	log.Infof("Reindex complete (%s): directory %s", kind, dir)
	return nil
}

// runSync starts the node for the duration of one sync, unless the node is configured offline,
// in which case only locally held blocks can be consumed.
func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	sync := svc.TriggerPeerSync
	if cfg.Mode != "offline" {
		key, err := node.LoadOrCreateKey(node.KeyPath(cfg.Storage.Path))
		if err != nil {
			return err
		}
		n, err := node.New(ctx, cfg, key, svc)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		defer n.Stop()
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}
		sync = n.Sync
	}

	res, err := sync(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, st)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
