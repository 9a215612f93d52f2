package main

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"camml/capsule"
	"camml/config"
	"camml/events"
	"camml/render"
	"camml/serve"
	"camml/video"
	"camml/video/sink"
	"camml/video/source"
)

var rootCmd = &cobra.Command{
	Use:   "camml",
	Short: "Run analysis capsules over a camera and publish the result as a virtual webcam",
	Long: `camml reads frames from a camera, runs every capsule found in the capsules
directory concurrently on each frame, renders the results and writes the
rendered frames to a v4l2loopback device.`,
	Example:      "  camml -i /dev/video0 -o /dev/video2 -c ./capsules --renderer only_masks",
	SilenceUsage: true,
	RunE:         run,
}

var capsulesCmd = &cobra.Command{
	Use:   "capsules DIR",
	Short: "List the capsules that would be loaded from DIR",
	Args:  cobra.ExactArgs(1),
	RunE:  listCapsules,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("input", "i", "", "Input camera, for example /dev/video0 or 0")
	f.StringP("output", "o", "", "Output v4l2loopback device, for example /dev/video2")
	f.StringP("capsules", "c", "", "Directory of capsule manifests")
	f.Int("width", 0, "Capture width hint")
	f.Int("height", 0, "Capture height hint")
	f.String("config", "", "JSON configuration file, reloaded on change")
	f.String("renderer", "", fmt.Sprintf("Rendering function, one of %v", render.Names()))
	f.String("http", "", "Address for metrics, previews and the event stream, for example :8080")
	f.String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(capsulesCmd)
}

// flagOverride applies explicitly set flags on top of the file configuration.
func flagOverride(cmd *cobra.Command) config.Override {
	f := cmd.Flags()
	return func(c *config.Config) {
		if f.Changed("input") {
			c.InputDevice, _ = f.GetString("input")
		}
		if f.Changed("output") {
			c.OutputDevice, _ = f.GetString("output")
		}
		if f.Changed("capsules") {
			c.CapsulesDir, _ = f.GetString("capsules")
		}
		if f.Changed("width") {
			c.Width, _ = f.GetInt("width")
		}
		if f.Changed("height") {
			c.Height, _ = f.GetInt("height")
		}
		if f.Changed("renderer") {
			c.Renderer, _ = f.GetString("renderer")
		}
		if f.Changed("http") {
			c.HTTPAddr, _ = f.GetString("http")
		}
		if f.Changed("log-level") {
			c.LogLevel, _ = f.GetString("log-level")
		}
	}
}

func applyLogLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}

func openSink(cfg *config.Config, width, height int) (sink.Sink, error) {
	var out sink.Sink
	switch cfg.OutputBackend {
	case config.BackendFFmpeg:
		s, err := sink.NewFFmpegSink(cfg.OutputDevice, cfg.OutputFPS, width, height)
		if err != nil {
			return nil, err
		}
		out = s
	default:
		s, err := sink.OpenFakeWebcam(cfg.OutputDevice, width, height)
		if err != nil {
			return nil, err
		}
		out = s
	}
	if cfg.OutputFPS > 0 {
		out = sink.NewFPSNormalize(out, cfg.OutputFPS)
	}
	return out, nil
}

func run(cmd *cobra.Command, _ []string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	override := flagOverride(cmd)
	var cfg *config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		c, err := config.Load(ctx, path, override)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = c
	} else {
		cfg = config.Default()
		override(cfg)
		config.Set(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	renderFn, err := render.Lookup(cfg.Renderer)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	rlog := log.WithField("run", runID)
	rlog.Infof("Starting camml: %s -> %s with capsules from %s", cfg.InputDevice, cfg.OutputDevice, cfg.CapsulesDir)

	bus := events.New()
	var (
		loopRef    atomic.Pointer[video.Loop]
		runtimeRef atomic.Pointer[capsule.Runtime]
	)

	opts := video.EnvironmentOptions{
		RunID: runID,
		OpenSource: func() (video.FrameSource, error) {
			dev, err := source.OpenDevice(cfg.InputDevice, image.Pt(cfg.Width, cfg.Height))
			if err != nil {
				return nil, err
			}
			return source.NewVideoCapture(dev, source.CaptureOptions{
				Name:                   cfg.InputDevice,
				RetryDelay:             cfg.RetryDelay(),
				MaxRetryDelay:          cfg.MaxRetryDelay(),
				MaxConsecutiveFailures: cfg.MaxReadFailures,
			}), nil
		},
		LoadCapsules: func() (video.Runtime, error) {
			caps, err := capsule.Discover(cfg.CapsulesDir)
			if err != nil {
				return nil, err
			}
			if len(caps) == 0 {
				rlog.Warnf("No capsules found in %s; frames pass through unanalyzed", cfg.CapsulesDir)
			}
			rt := capsule.NewRuntime(caps, capsule.RuntimeOptions{
				Workers:          cfg.Workers,
				AbandonTimeout:   cfg.AbandonTimeout(),
				BreakerThreshold: cfg.BreakerThreshold,
				BreakerCooldown:  cfg.BreakerCooldown(),
			})
			runtimeRef.Store(rt)
			return rt, nil
		},
		OpenSink: func(width, height int) (sink.Sink, error) {
			return openSink(cfg, width, height)
		},
		Renderer:   cfg.Renderer,
		RenderFunc: renderFn,
		Bus:        bus,
		OnLoopReady: func(l *video.Loop) {
			loopRef.Store(l)
			// Pick up a renderer change that arrived during startup.
			if name := config.Get().Renderer; name != l.Renderer() {
				if fn, err := render.Lookup(name); err == nil {
					l.SetRenderer(name, fn)
				}
			}
		},
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}

	var mjpeg *sink.MJPEGServer
	if cfg.HTTPAddr != "" {
		mjpeg = sink.NewMJPEGServer()
		opts.Preview = mjpeg
	}
	env := video.NewEnvironment(opts)

	config.OnChange(func(prev, next *config.Config) {
		if next.LogLevel != prev.LogLevel {
			if err := applyLogLevel(next.LogLevel); err != nil {
				rlog.Errorf("Ignoring log level change: %v", err)
			}
		}
		if next.Renderer != prev.Renderer {
			fn, err := render.Lookup(next.Renderer)
			if err != nil {
				rlog.Errorf("Ignoring renderer change: %v", err)
				return
			}
			if l := loopRef.Load(); l != nil {
				l.SetRenderer(next.Renderer, fn)
			}
		}
	})

	if cfg.HTTPAddr != "" {
		stream := serve.NewEventStream(bus)
		defer stream.Close()

		status := &serve.StatusServer{Get: func() serve.Status {
			st := serve.Status{
				RunID: runID,
				Phase: env.State().Phase().String(),
			}
			if l := loopRef.Load(); l != nil {
				st.Renderer = l.Renderer()
			}
			if rt := runtimeRef.Load(); rt != nil {
				st.Capsules = rt.Capsules()
			}
			hs := env.HandoffStats()
			st.FramesDelivered, st.FramesDropped = hs.Delivered, hs.Dropped
			return st
		}}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/mjpeg", mjpeg)
		mux.Handle("/events", stream)
		mux.Handle("/status", status)

		srv := &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: handlers.RecoveryHandler(handlers.RecoveryLogger(log.StandardLogger()))(
				handlers.LoggingHandler(log.StandardLogger().WriterLevel(log.DebugLevel), mux)),
		}
		go func() {
			rlog.Infof("Serving debug endpoints on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rlog.Errorf("HTTP server failed: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				srv.Close()
			}
		}()
	}

	if err := env.Run(ctx); err != nil {
		rlog.Errorf("Pipeline stopped: %v", err)
		return err
	}
	rlog.Info("Pipeline stopped")
	return nil
}

func listCapsules(cmd *cobra.Command, args []string) error {
	caps, err := capsule.Discover(args[0])
	if err != nil {
		return err
	}
	for _, c := range caps {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", c.Name(), c.DefaultOptions())
		if err := c.Close(); err != nil {
			log.Errorf("Failed to close capsule %s: %v", c.Name(), err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
