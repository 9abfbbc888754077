package coremain

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/appejv/querycache/mlog"
	"github.com/appejv/querycache/pkg/qkey"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "querycache",
	Short: "Offline aware query cache for a REST backend.",
}

func init() {
	sf := new(serverFlags)
	rootCmd.PersistentFlags().StringVarP(&sf.c, "config", "c", "", "config file")
	rootCmd.PersistentFlags().StringVarP(&sf.dir, "dir", "d", "", "working dir")

	serveCmd := &cobra.Command{
		Use:   "serve [-c config_file] [-d working_dir]",
		Short: "Start the cache and its api server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(cmd.Context(), sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := serveCmd.Flags()
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")
	rootCmd.AddCommand(serveCmd)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage querycache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(sf),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	var (
		name    string
		timeout time.Duration
	)
	getCmd := &cobra.Command{
		Use:   "get [segment...]",
		Short: "Read one query and print it as yaml.",
		Example: "  querycache get sector 7\n" +
			"  querycache get --name sectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(name) == 0 && len(args) == 0 {
				return fmt.Errorf("need a key or --name")
			}
			cfg, err := setup(sf)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runGet(ctx, cfg, name, args, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	getCmd.Flags().StringVarP(&name, "name", "n", "", "read a named query")
	getCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "give up after this long")
	rootCmd.AddCommand(getCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove every persisted record of the configured namespace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(sf)
			if err != nil {
				return err
			}
			return runPurge(cmd.Context(), cfg, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(purgeCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// setup changes the working dir and loads the config.
func setup(sf *serverFlags) (*Config, error) {
	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}

	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return nil, fmt.Errorf("failed to load sub config file, %w", err)
	}
	return cfg, nil
}

func StartServer(ctx context.Context, sf *serverFlags) error {
	app, err := newServerApp(sf)
	if err != nil {
		return err
	}
	if err := app.Serve(ctx); err != nil {
		return fmt.Errorf("querycache exited, %w", err)
	}
	return nil
}

func newServerApp(sf *serverFlags) (*App, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	cfg, err := setup(sf)
	if err != nil {
		return nil, err
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return NewApp(cfg, lg)
}

type getOutput struct {
	Key       string    `yaml:"key"`
	Status    string    `yaml:"status"`
	Offline   bool      `yaml:"offline"`
	FromStore bool      `yaml:"from_store"`
	FetchedAt time.Time `yaml:"fetched_at,omitempty"`
	Error     string    `yaml:"error,omitempty"`
	Data      any       `yaml:"data,omitempty"`
}

func runGet(ctx context.Context, cfg *Config, name string, args []string, w io.Writer) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	app, err := NewApp(cfg, lg)
	if err != nil {
		return err
	}
	defer app.Close()

	var k qkey.Key
	if len(name) > 0 {
		qc := cfg.findQuery(name)
		if qc == nil {
			return fmt.Errorf("unknown query %s", name)
		}
		k = qkey.Parse(qc.Key...)
	} else {
		k = qkey.Parse(args...)
	}
	if err := k.Err(); err != nil {
		return err
	}

	r := app.Read(ctx, k)
	out := getOutput{
		Key:       k.String(),
		Status:    r.Status.String(),
		Offline:   r.IsOffline,
		FromStore: r.FromStore,
		FetchedAt: r.FetchedAt,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	if r.HasData {
		if err := yaml.Unmarshal(r.Data, &out.Data); err != nil {
			return fmt.Errorf("failed to decode data, %w", err)
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if !r.HasData {
		return fmt.Errorf("no data for %s", k)
	}
	return nil
}

func runPurge(ctx context.Context, cfg *Config, w io.Writer) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	st, err := newStore(cfg.Store, lg)
	if err != nil {
		return fmt.Errorf("failed to init store, %w", err)
	}
	if st == nil {
		return fmt.Errorf("persistence is disabled")
	}
	defer st.Close()

	n, err := st.Purge(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge store, %w", err)
	}
	fmt.Fprintf(w, "%d records removed\n", n)
	return nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	includedCfg := new(Config)
	for _, subCfgFile := range cfg.Include {
		subPaths := append(paths, subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}

		includedCfg.Queries = append(includedCfg.Queries, subCfg.Queries...)
	}

	cfg.Queries = append(includedCfg.Queries, cfg.Queries...)
	return nil
}
