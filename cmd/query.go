package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/citysearch/internal/citysearch"
	"github.com/sells-group/citysearch/internal/spatial"
)

var (
	queryCountry string
	queryK       int
	queryMethod  string
	queryLimit   int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run one query against the loaded dataset",
}

// runQuery loads the environment, waits for the bootstrap and hands the
// ready service to fn. The result is printed as indented JSON.
func runQuery(cmd *cobra.Command, fn func(cmd *cobra.Command, svc *citysearch.Service) (any, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	env, err := initEnv(ctx, "query")
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.bootstrap(ctx); err != nil {
		return err
	}
	v, err := fn(cmd, env.Service)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode result")
}

var queryKVCmd = &cobra.Command{
	Use:   "kv <key> <value>",
	Short: "Look up a place by column value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(cmd *cobra.Command, svc *citysearch.Service) (any, error) {
			id, err := svc.KeyLookup(cmd.Context(), args[0], args[1], queryCountry)
			if err != nil {
				return nil, err
			}
			return svc.Place(id)
		})
	},
}

var queryNearCmd = &cobra.Command{
	Use:   "near <key> <value>",
	Short: "List the k places nearest to a place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, err := citysearch.ParseProximityMethod(queryMethod)
		if err != nil {
			return err
		}
		return runQuery(cmd, func(cmd *cobra.Command, svc *citysearch.Service) (any, error) {
			return svc.ProximitySearch(cmd.Context(), method, args[0], args[1], queryK, queryCountry)
		})
	},
}

var queryTextCmd = &cobra.Command{
	Use:   "text <query>",
	Short: "Full-text search over alternate names",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(cmd *cobra.Command, svc *citysearch.Service) (any, error) {
			return svc.TextSearch(cmd.Context(), args[0])
		})
	},
}

var queryBBoxCmd = &cobra.Command{
	Use:   "bbox <min_lon> <min_lat> <max_lon> <max_lat>",
	Short: "List places inside a bounding box",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := parseBox(args)
		if err != nil {
			return err
		}
		return runQuery(cmd, func(_ *cobra.Command, svc *citysearch.Service) (any, error) {
			return svc.WithinBox(b, queryLimit)
		})
	},
}

func parseBox(args []string) (spatial.Box, error) {
	var v [4]float64
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return spatial.Box{}, eris.Errorf("bbox: argument %d %q is not a number", i+1, a)
		}
		v[i] = f
	}
	b := spatial.Box{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	return b, b.Validate()
}

func init() {
	queryKVCmd.Flags().StringVar(&queryCountry, "country", "", "restrict to an ISO country code")
	queryNearCmd.Flags().StringVar(&queryCountry, "country", "", "restrict to an ISO country code")
	queryNearCmd.Flags().IntVar(&queryK, "k", 6, "number of places to return, the origin included")
	queryNearCmd.Flags().StringVar(&queryMethod, "method", "index", "ranking method: index or store")
	queryBBoxCmd.Flags().IntVar(&queryLimit, "limit", 100, "maximum places to return (0 for all)")

	queryCmd.AddCommand(queryKVCmd, queryNearCmd, queryTextCmd, queryBBoxCmd)
	rootCmd.AddCommand(queryCmd)
}
