// Command foxeyed is the host program: it loads configuration and the
// Listfile database, wires every core subsystem via internal/runtime,
// and serves diagnostics until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LStranger/foxeye-sub001/internal/corelog"
	"github.com/LStranger/foxeye-sub001/internal/registry"
	"github.com/LStranger/foxeye-sub001/internal/runtime"
)

var (
	flagConfig     string
	flagRegenerate bool
	flagGenerate   bool
	flagTestOnly   bool
	flagQuiet      bool
	flagWait       bool
	flagDataDir    string
	flagListen     string
)

var rootCmd = &cobra.Command{
	Use:   "foxeyed",
	Short: "FoxEye core runtime daemon",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "foxeye.conf", "configuration file path")
	rootCmd.Flags().BoolVarP(&flagRegenerate, "regenerate", "r", false, "interactively generate the configuration and exit, same as -g")
	rootCmd.Flags().BoolVarP(&flagGenerate, "generate", "g", false, "interactively generate/merge the configuration")
	rootCmd.Flags().BoolVarP(&flagTestOnly, "test", "t", false, "parse configuration and the Listfile, then exit")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational logging")
	rootCmd.Flags().BoolVarP(&flagWait, "wait", "w", false, "wait for a keypress before exiting on a fatal error")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", ".", "directory holding the Listfile and Wtmp files")
	rootCmd.Flags().StringVar(&flagListen, "listen", ":8067", "address the /metrics and /report endpoints listen on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(runtime.ExitFatal)
	}
}

func run(cmd *cobra.Command, args []string) error {
	corelog.AddLogger("console", os.Stderr, consoleLevel(), true)

	rt, err := runtime.New(runtime.Options{
		ConfigPath: flagConfig,
		DataDir:    flagDataDir,
	})
	if err != nil {
		corelog.WithError(err, "foxeyed: constructing runtime")
		os.Exit(runtime.ExitFatal)
	}

	registerWellKnownVariables(rt.Config)

	if flagGenerate || flagRegenerate {
		if err := rt.Config.GenerateConfig(flagConfig, []string{"nickname", "max-users"}); err != nil {
			corelog.WithError(err, "foxeyed: generating %s", flagConfig)
			os.Exit(runtime.ExitConfig)
		}
		return nil
	}

	if err := rt.LoadConfig(); err != nil {
		corelog.WithError(err, "foxeyed: loading configuration")
		maybeWait()
		os.Exit(runtime.ExitCode(err))
	}

	if err := rt.LoadListfile(); err != nil {
		corelog.WithError(err, "foxeyed: loading Listfile")
		maybeWait()
		os.Exit(runtime.ExitCode(err))
	}

	if flagTestOnly {
		corelog.Info("foxeyed: configuration and Listfile parsed cleanly")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)

	server := &http.Server{Addr: flagListen, Handler: rt.MetricsHandler()}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			corelog.WithError(err, "foxeyed: diagnostics server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	code := rt.Shutdown(nil)
	if code != runtime.ExitOK {
		maybeWait()
		os.Exit(code)
	}
	return nil
}

// registerWellKnownVariables seeds the variables a freshly started core
// always exposes to `set`, independent of whatever a deployment's
// config file additionally registers.
func registerWellKnownVariables(reg *registry.Registry) {
	reg.RegisterVariable("nickname", registry.WritableString, 32, false)
	reg.RegisterVariable("max-users", registry.Long, 0, false)
}

func consoleLevel() corelog.Level {
	if flagQuiet {
		return corelog.WARN
	}
	return corelog.INFO
}

// maybeWait pauses for operator acknowledgment before the process
// exits on a fatal/configuration error, when -w was given.
func maybeWait() {
	if !flagWait {
		return
	}
	fmt.Fprintln(os.Stderr, "press Enter to exit...")
	fmt.Scanln()
}
