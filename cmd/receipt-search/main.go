package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/84hero/receipt-search/pkg/config"
	"github.com/84hero/receipt-search/pkg/indexer"
	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/84hero/receipt-search/pkg/rpc"
	"github.com/84hero/receipt-search/pkg/search"
	"github.com/84hero/receipt-search/pkg/sink"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Crit("Application failed", "err", err)
	}
}

// Run is the testable entry point of the CLI application
func Run(ctx context.Context, args []string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type rootFlags struct {
	configFile    string
	appConfigFile string
}

type searchFlags struct {
	query     string
	from      uint64
	to        string
	contracts []string
	event     string
	eventSig  string
	topics    []string
	abiFile   string
}

func newRootCmd() *cobra.Command {
	var rf rootFlags

	root := &cobra.Command{
		Use:           "receipt-search",
		Short:         "Search transaction receipts by contract, event and topic over a block range",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rf.configFile, "config", "", "core config file (default $CONFIG_FILE or config.yaml)")
	root.PersistentFlags().StringVar(&rf.appConfigFile, "app-config", "", "queries and outputs file (default $APP_CONFIG_FILE or app.yaml)")

	root.AddCommand(newSearchCmd(&rf), newIndexCmd(&rf))
	return root
}

func newSearchCmd(rf *rootFlags) *cobra.Command {
	var sf searchFlags

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run one search and send the matching receipts to the outputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, appCfg, err := loadConfigs(rf)
			if err != nil {
				return err
			}
			q, err := sf.compile(appCfg)
			if err != nil {
				return err
			}
			toBlock, err := sf.toBlock()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			searcher, closeFn, err := openSearcher(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			outputs := initOutputs(appCfg)
			if len(outputs) == 0 {
				outputs = append(outputs, sink.NewConsoleOutput())
			}
			defer closeOutputs(outputs)

			searchCtx, cancel := context.WithTimeout(ctx, cfg.Search.Timeout)
			defer cancel()
			return runSearch(searchCtx, searcher, q, sf.from, toBlock, outputs)
		},
	}

	f := cmd.Flags()
	f.StringVar(&sf.query, "query", "", "name of a saved query from the app config")
	f.Uint64Var(&sf.from, "from", 0, "first block height (inclusive)")
	f.StringVar(&sf.to, "to", "", "last block height (inclusive), defaults to the tip")
	f.StringSliceVar(&sf.contracts, "contract", nil, "contract address, repeatable; none matches any contract")
	f.StringVar(&sf.event, "event", "", "event name folded in as a raw topic")
	f.StringVar(&sf.eventSig, "event-sig", "", "event name resolved to its topic through --abi")
	f.StringSliceVar(&sf.topics, "topic", nil, "hex topic, repeatable; matches when any topic is present")
	f.StringVar(&sf.abiFile, "abi", "", "JSON ABI file used to decode matching logs")
	return cmd
}

func (sf *searchFlags) compile(appCfg *AppConfig) (*compiledQuery, error) {
	if sf.query != "" {
		for _, q := range appCfg.Queries {
			if q.Name == sf.query {
				return q.compile()
			}
		}
		return nil, fmt.Errorf("query %q not found in app config", sf.query)
	}
	return QueryConfig{
		Name:      "cli",
		Contracts: sf.contracts,
		Event:     sf.event,
		EventSig:  sf.eventSig,
		Topics:    sf.topics,
		ABIFile:   sf.abiFile,
	}.compile()
}

func (sf *searchFlags) toBlock() (*uint64, error) {
	if sf.to == "" {
		return nil, nil
	}
	var (
		to  uint64
		err error
	)
	if strings.HasPrefix(sf.to, "0x") {
		to, err = hexutil.DecodeUint64(sf.to)
	} else {
		to, err = strconv.ParseUint(sf.to, 10, 64)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: --to %q", search.ErrInvalidRange, sf.to)
	}
	return &to, nil
}

func runSearch(ctx context.Context, s *search.Searcher, q *compiledQuery, from uint64, to *uint64, outputs []sink.Output) error {
	receipts, err := s.Search(ctx, q.criteria, from, to)
	if err != nil {
		return err
	}
	results := sink.NewResults(receipts, q.decoder)
	if failed := sink.Broadcast(ctx, outputs, results); failed > 0 {
		return fmt.Errorf("%d of %d outputs failed", failed, len(outputs))
	}
	log.Info("Search finished", "query", q.name, "from", from, "matches", len(results))
	return nil
}

func newIndexCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Copy blocks and receipts from the rpc nodes into local storage, running saved queries on new blocks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, appCfg, err := loadConfigs(rf)
			if err != nil {
				return err
			}
			return runIndex(cmd.Context(), cfg, appCfg)
		},
	}
}

func runIndex(ctx context.Context, cfg *config.Config, appCfg *AppConfig) error {
	queries, err := compileQueries(appCfg.Queries)
	if err != nil {
		return err
	}

	client, err := rpc.NewClient(ctx, cfg.RPC)
	if err != nil {
		return err
	}
	defer client.Close()

	target, cursors, closeFn, err := openIndexTarget(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	outputs := initOutputs(appCfg)
	defer closeOutputs(outputs)

	idx := indexer.New(rpc.NewSource(client, cfg.Indexer.FetchConcurrency), target, cursors, indexer.Config{
		ChainID:       cursorKey(cfg),
		StartBlock:    cfg.Indexer.StartBlock,
		ForceStart:    cfg.Indexer.ForceStart,
		Rewind:        cfg.Indexer.Rewind,
		CursorRewind:  cfg.Indexer.CursorRewind,
		BatchSize:     cfg.Indexer.BatchSize,
		Interval:      cfg.Indexer.Interval,
		Confirmations: cfg.Indexer.Confirmations,
	})
	if len(queries) > 0 && len(outputs) > 0 {
		idx.SetHandler(queryHandler(search.NewFromSource(target, searchLimits(cfg)), queries, outputs))
	}
	return idx.Start(ctx)
}

// queryHandler runs every saved query against each freshly indexed block.
func queryHandler(s *search.Searcher, queries []*compiledQuery, outputs []sink.Output) indexer.Handler {
	return func(ctx context.Context, h *ledger.Header, _ []*ledger.Receipt) error {
		height := h.Height
		for _, q := range queries {
			receipts, err := s.Search(ctx, q.criteria, height, &height)
			if err != nil {
				return fmt.Errorf("query %q at block %d: %w", q.name, height, err)
			}
			if len(receipts) == 0 {
				continue
			}
			sink.Broadcast(ctx, outputs, sink.NewResults(receipts, q.decoder))
		}
		return nil
	}
}

func loadConfigs(rf *rootFlags) (*config.Config, *AppConfig, error) {
	coreFile := firstNonEmpty(rf.configFile, os.Getenv("CONFIG_FILE"), "config.yaml")
	cfg, err := config.Load(coreFile)
	if err != nil {
		return nil, nil, err
	}
	setupLogger(cfg.Log)

	appFile := firstNonEmpty(rf.appConfigFile, os.Getenv("APP_CONFIG_FILE"), "app.yaml")
	appCfg, err := loadAppConfig(appFile)
	if err != nil {
		log.Warn("Failed to load app config", "file", appFile, "err", err)
		appCfg = &AppConfig{}
	}
	return cfg, appCfg, nil
}

func setupLogger(cfg config.LogConfig) {
	level := log.LevelInfo
	switch cfg.Level {
	case "debug":
		level = log.LevelDebug
	case "warn":
		level = log.LevelWarn
	case "error":
		level = log.LevelError
	}

	if cfg.Format == "json" {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(os.Stderr, level)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
