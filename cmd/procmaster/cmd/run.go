package cmd

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/procmaster/procmaster/pkg/api"
	"github.com/procmaster/procmaster/pkg/logging"
	"github.com/procmaster/procmaster/pkg/metrics"
	"github.com/procmaster/procmaster/pkg/proc"
	"github.com/procmaster/procmaster/pkg/runner"
	"github.com/procmaster/procmaster/pkg/shutdown"
	"github.com/procmaster/procmaster/pkg/supervisor"
)

var (
	workers     int
	killOnError bool
	statusAddr  string
	respawn     bool
	restarts    int
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command in each worker of a supervised pool",
	Long: `run spawns a pool of worker processes, each executing the given
command, and supervises them from the current process. The master exits
with status 1 when the pool is exhausted and status 0 on SIGINT/SIGTERM.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPool,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&workers, "workers", "n", 0, "worker pool size (default: PROCMASTER_WORKERS, then logical CPU count)")
	runCmd.Flags().BoolVar(&killOnError, "kill-on-error", true, "terminate on an uncaught master fault")
	runCmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /healthz, /status and /metrics on this address")
	runCmd.Flags().BoolVar(&respawn, "respawn", false, "replace workers as they exit")
	runCmd.Flags().IntVar(&restarts, "restarts", -1, "respawn budget, -1 for unlimited")
}

func runPool(cmd *cobra.Command, args []string) error {
	fac := proc.NewExecFacility()

	scope := viper.GetString("scope")
	if scope == "" {
		scope = supervisor.DefaultScope
	}
	logLevel := logging.ParseLevel(viper.GetString("log_level"))
	logJSON := viper.GetBool("log_json")

	opts := []supervisor.Option{
		supervisor.WithScope(scope),
		supervisor.WithLogLevel(logLevel),
		supervisor.WithJSONLogs(logJSON),
		supervisor.WithKillOnError(killOnError),
	}
	if cmd.Flags().Changed("workers") {
		opts = append(opts, supervisor.WithWorkers(workers))
	} else if n := viper.GetInt("workers"); n > 0 {
		opts = append(opts, supervisor.WithWorkers(n))
	}

	workerFn := func(s *supervisor.Supervisor) {
		r := runner.New(s.Logger())
		if err := r.Run(context.Background(), args[0], args[1:]...); err != nil {
			s.Logger().Errorf("Worker command failed: %v", err)
		}
		os.Exit(r.ExitCode())
	}

	if !fac.IsWorker() {
		mgr := shutdown.New(10*time.Second, logging.NewLogger(scope, logLevel, logJSON))

		opts = append(opts,
			supervisor.WithMaster(masterRoutine(mgr)),
			supervisor.WithBeforeExit(func(fault error, done func()) {
				mgr.Shutdown()
				done()
			}),
			supervisor.WithLifecycle(func(s *supervisor.Supervisor) supervisor.Lifecycle {
				var lc supervisor.Lifecycle = s
				if statusAddr != "" {
					lc = metrics.Instrument(lc, prometheus.DefaultRegisterer)
				}
				if respawn {
					lc = supervisor.NewRespawner(lc, s.Logger(), restarts)
				}
				return lc
			}),
		)
	}

	cfg, err := supervisor.Resolve(workerFn, opts...)
	if err != nil {
		return err
	}
	return supervisor.New(cfg, fac).Start()
}

// masterRoutine blocks in the master process until a shutdown signal,
// then drives the supervisor's exit path so the pre-exit cleanup runs.
func masterRoutine(mgr *shutdown.Manager) supervisor.Func {
	return func(s *supervisor.Supervisor) {
		logHostInfo(s.Logger())

		if statusAddr != "" {
			router := mux.NewRouter()
			api.NewStatusHandler(s).RegisterRoutes(router)

			srv := &http.Server{
				Addr:         statusAddr,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
			}
			go func() {
				s.Logger().Infof("Status server listening on %s", statusAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					s.Logger().Errorf("Status server: %v", err)
				}
			}()
			mgr.Register(shutdown.StopHTTPServer(srv, "status", s.Logger()))
		}

		mgr.Register(func(ctx context.Context) error {
			for _, h := range s.Workers() {
				h.Kill()
			}
			return nil
		})

		mgr.Wait()
		s.Shutdown(nil)
	}
}

func logHostInfo(log *logging.Logger) {
	info, err := host.Info()
	if err != nil {
		log.Debugf("Host info unavailable: %v", err)
		return
	}
	log.Infof("Host: %s (%s %s)", info.Hostname, info.Platform, info.PlatformVersion)
}
