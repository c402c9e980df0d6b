package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/savepoint/internal/config"
	"github.com/dshills/savepoint/internal/logging"
	"github.com/dshills/savepoint/internal/snapshot"
	"github.com/dshills/savepoint/internal/snapshot/filestore"
	"github.com/dshills/savepoint/internal/snapshot/memstore"
	"github.com/dshills/savepoint/internal/snapshot/sqlstore"
	"github.com/dshills/savepoint/internal/versioned"
)

// document is the value edited by the CLI.
type document = map[string]any

// cli holds flag values and the streams commands read and write.
type cli struct {
	configPath string
	logLevel   string
	driver     string
	path       string
	domain     string
	entity     string

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// env is what a command runs against once flags and config are resolved.
type env struct {
	cfg     config.Config
	logger  *zap.Logger
	store   snapshot.Store
	key     snapshot.Key
	backend *versioned.StoreBackend[document]
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing store", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "savepoint",
		Short: "Edit a document with undo/redo and debounced save points",
		Long: `savepoint keeps a bounded undo/redo history of a JSON document and
persists numbered save points once edits go quiet.

Settings come from defaults, an optional config file (TOML or YAML),
SAVEPOINT_* environment variables and finally these flags.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "config file (TOML, or YAML for .yaml/.yml)")
	pf.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&c.driver, "store", "", "store driver: memory, sqlite, file")
	pf.StringVar(&c.path, "path", "", "database file or snapshot directory")
	pf.StringVar(&c.domain, "domain", "documents", "snapshot domain")
	pf.StringVar(&c.entity, "entity", "default", "snapshot entity id")

	root.AddCommand(
		&cobra.Command{
			Use:   "edit",
			Short: "Start a line-oriented editing session on stdin",
			Long: `Reads one command per line:

  set <json>         replace the document
  merge <json>       set top-level fields (null removes a field)
  apply <file.lua>   transform the document with a Lua update(doc) function
  undo | redo        step through history
  save               save now instead of waiting for the debounce
  versions           list save points
  restore <n>        make save point n the present
  show | status      print the document or its save status
  quit               save pending edits and exit`,
			Args: cobra.NoArgs,
			RunE: c.runEdit,
		},
		&cobra.Command{
			Use:   "versions",
			Short: "List the save points of the entity",
			Args:  cobra.NoArgs,
			RunE:  c.runVersions,
		},
		&cobra.Command{
			Use:   "show <n>",
			Short: "Print one save point as JSON",
			Args:  cobra.ExactArgs(1),
			RunE:  c.runShow,
		},
	)
	return root
}

// setup resolves configuration and opens the store.
func (c *cli) setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = c.logLevel
	}
	if flags.Changed("store") {
		cfg.Store.Driver = c.driver
	}
	if flags.Changed("path") {
		cfg.Store.Path = c.path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logCfg.Output = c.errOut
	logger := logging.New(logCfg)

	key := snapshot.Key{Domain: c.domain, EntityID: c.entity}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("store opened",
		zap.String("driver", cfg.Store.Driver),
		zap.String("location", storeLocation(store)),
		zap.Stringer("key", key))

	return &env{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		key:     key,
		backend: versioned.NewStoreBackend[document](store, key, nil),
	}, nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (snapshot.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memstore.New(), nil
	case config.DriverSQLite:
		s, err := sqlstore.Open(cfg.Path,
			sqlstore.WithMkdirAll(),
			sqlstore.WithCacheSize(cfg.CacheSize),
			sqlstore.WithBusyTimeout(int(cfg.BusyTimeout.Milliseconds())),
			sqlstore.WithSynchronous(strings.ToUpper(cfg.Synchronous)),
			sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverFile:
		s, err := filestore.Open(cfg.Path, filestore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// storeLocation names where store keeps its data.
func storeLocation(store snapshot.Store) string {
	switch s := store.(type) {
	case *sqlstore.Store:
		return s.Path()
	case *filestore.Store:
		return s.Root()
	default:
		return "memory"
	}
}

func (c *cli) runEdit(cmd *cobra.Command, _ []string) error {
	e, err := c.setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return edit(ctx, e, c.in, c.out)
}

func (c *cli) runVersions(cmd *cobra.Command, _ []string) error {
	e, err := c.setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	versions, err := e.backend.Versions(cmd.Context())
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintf(c.out, "no save points for %s in %s\n", e.key, storeLocation(e.store))
		return nil
	}
	writeVersions(c.out, versions)
	return nil
}

func (c *cli) runShow(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number %q", args[0])
	}

	e, err := c.setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	v, err := e.backend.Get(cmd.Context(), n)
	if err != nil {
		return err
	}
	return writeJSON(c.out, v.Value)
}

func writeVersions(w io.Writer, versions []versioned.Version[document]) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tCREATED\tID")
	for _, v := range versions {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", v.Number, v.CreatedAt.Local().Format(time.DateTime), v.ID)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
