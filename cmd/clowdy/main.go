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

	"github.com/clowdy-run/clowdy/pkg/baseimage"
	"github.com/clowdy-run/clowdy/pkg/engine"
	"github.com/clowdy-run/clowdy/pkg/gateway"
	"github.com/clowdy-run/clowdy/pkg/httpapi"
	"github.com/clowdy-run/clowdy/pkg/imagemgr"
	"github.com/clowdy-run/clowdy/pkg/log"
	"github.com/clowdy-run/clowdy/pkg/metrics"
	"github.com/clowdy-run/clowdy/pkg/runtime"
	"github.com/clowdy-run/clowdy/pkg/store"
)

// envOrDefault lets a flag's default value be overridden by its CLOWDY_*
// environment variable (spec §6 config table), without pulling in viper.
func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "clowdy",
	Short:   "Clowdy - self-hosted serverless function platform",
	Long:    `Clowdy runs user functions on demand inside short-lived isolated containers, grouped into projects with shared dependencies and an HTTP gateway.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Clowdy version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", envOrDefault("CLOWDY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", envOrDefault("CLOWDY_LOG_JSON", "") != "", "Output logs in JSON format")
	rootCmd.PersistentFlags().String("containerd-socket", envOrDefault("CLOWDY_CONTAINERD_SOCKET", ""), "Override for containerd discovery")
	rootCmd.PersistentFlags().String("base-image", envOrDefault("CLOWDY_BASE_IMAGE", "clowdy-runtime:latest"), "Base runtime image tag")
	rootCmd.PersistentFlags().String("data-dir", envOrDefault("CLOWDY_DATA_DIR", "./data"), "bbolt database directory")
	rootCmd.PersistentFlags().String("identity-jwks-url", envOrDefault("CLOWDY_IDENTITY_JWKS_URL", ""), "External identity provider key-set endpoint")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(routeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway and invocation engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath, _ := cmd.Flags().GetString("containerd-socket")
		baseImage, _ := cmd.Flags().GetString("base-image")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listenAddr, _ := cmd.Flags().GetString("listen")

		serveLog := log.WithComponent("serve")

		host, err := runtime.NewHost(runtime.ResolveSocketPath(socketPath))
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}
		defer host.Close()
		metrics.RegisterComponent("containerd", true, "connected")

		st, err := store.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		metrics.RegisterComponent("store", true, "open")

		images := imagemgr.New(host, st, st, baseImage)
		eng := engine.New(host, images, st, baseImage)
		api := httpapi.NewServer(eng, st)

		server := &http.Server{
			Addr:         listenAddr,
			Handler:      api,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 35 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			serveLog.Info().Str("addr", listenAddr).Msg("listening")
			errCh <- server.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
		case <-sigCh:
			serveLog.Info().Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", envOrDefault("CLOWDY_LISTEN_ADDR", ":8080"), "HTTP listen address")
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage project runtime images",
}

var projectBuildCmd = &cobra.Command{
	Use:   "build <project-id>",
	Short: "Trigger a runtime image build for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath, _ := cmd.Flags().GetString("containerd-socket")
		baseImage, _ := cmd.Flags().GetString("base-image")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		host, err := runtime.NewHost(runtime.ResolveSocketPath(socketPath))
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}
		defer host.Close()

		st, err := store.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		project, err := st.GetProject(args[0])
		if err != nil {
			return fmt.Errorf("load project: %w", err)
		}

		images := imagemgr.New(host, st, st, baseImage)
		tag, err := images.Resolve(cmd.Context(), project)
		if err != nil {
			return fmt.Errorf("build failed: %w", err)
		}
		fmt.Printf("image ready: %s\n", tag)
		return nil
	},
}

var projectBuildLogCmd = &cobra.Command{
	Use:   "build-log <project-id>",
	Short: "Show the full transcript of a project's most recent image build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		st, err := store.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		transcript, err := st.GetBuildLog(args[0])
		if err != nil {
			return fmt.Errorf("load build log: %w", err)
		}
		if transcript == "" {
			fmt.Println("no build log recorded for this project")
			return nil
		}
		fmt.Println(transcript)
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectBuildCmd)
	projectCmd.AddCommand(projectBuildLogCmd)
}

var baseImageCmd = &cobra.Command{
	Use:   "base-image",
	Short: "Manage the shared base runtime image",
}

var baseImageBuildCmd = &cobra.Command{
	Use:   "build <python-image>",
	Short: "Layer the invocation bootstrap onto a Python image and tag it as the base image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath, _ := cmd.Flags().GetString("containerd-socket")
		baseImageTag, _ := cmd.Flags().GetString("base-image")

		host, err := runtime.NewHost(runtime.ResolveSocketPath(socketPath))
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}
		defer host.Close()

		built, err := baseimage.Build(cmd.Context(), host, args[0], baseImageTag, nil)
		if err != nil {
			return fmt.Errorf("build base image: %w", err)
		}
		fmt.Printf("base image ready: %s\n", built)
		return nil
	},
}

func init() {
	baseImageCmd.AddCommand(baseImageBuildCmd)
	rootCmd.AddCommand(baseImageCmd)
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Inspect a project's compiled gateway route table",
}

var routeCheckCmd = &cobra.Command{
	Use:   "check <project-id> <method> <path>",
	Short: "Show which route a method+path would match",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		st, err := store.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		routes, err := st.ListRoutes(args[0])
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}

		table, err := gateway.CompileTable(routes)
		if err != nil {
			return err
		}

		route, params, ok := table.Match(args[1], args[2])
		if !ok {
			fmt.Println("no match")
			return nil
		}
		fmt.Printf("matched route %s -> function %s, params=%v\n", route.ID, route.FunctionID, params)
		return nil
	},
}

func init() {
	routeCmd.AddCommand(routeCheckCmd)
}
