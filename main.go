package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tuzkov/camctl/camera"
	"github.com/tuzkov/camctl/control"
	"github.com/tuzkov/camctl/server"
	"github.com/tuzkov/camctl/service"
	uploadclient "github.com/tuzkov/camctl/uploadClient"
	"golang.org/x/sync/errgroup"
)

var loglevel = new(slog.LevelVar)

var serverCmd = &cobra.Command{
	Use:   "camctl",
	Short: "Camera device control service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := entrypoint(cmd.Context()); err != nil {
			slog.Error("entrypoint error", "err", err)
			os.Exit(1)
		}
	},
}

func initConfig() {
	viper.SetDefault("port", 8080)
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("camera.backend", camera.BackendUSB)
	viper.SetDefault("camera.device", "/dev/video0")
	viper.SetDefault("camera.outputDir", ".")
	viper.SetDefault("camera.captureMode", "image")
	viper.SetDefault("camera.rotation", 180)
	viper.SetDefault("camera.lensPosition", 1.01)
	viper.SetDefault("torch.power", -1)
	viper.SetDefault("upload.username", "maker")
	viper.SetDefault("timelapse.interval", 20)
	viper.SetDefault("server.captureRateLimit", 120)

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.ReadInConfig()
}

func entrypoint(ctx context.Context) error {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: loglevel,
	}))
	slog.SetDefault(log)

	cfg := getConfig()
	setLogLevel(cfg.LogLevel)
	log.Info("Starting service", "addr", cfg.Addr, "loglevel", cfg.LogLevel, "backend", cfg.Camera.Backend)

	log.Debug("config", "cfg", *cfg)
	srv, err := server.NewServer(log, cfg)
	if err != nil {
		return fmt.Errorf("fail to create server: %w", err)
	}
	svc := srv.Service()
	defer svc.Close()

	viper.OnConfigChange(reloadConfig(log, svc.Torch()))
	viper.WatchConfig()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.Start(ctx); err != nil {
			// keep serving: the session can be started later over HTTP
			log.Error("fail to start camera", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("fail to listen: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// reloadConfig applies the settings that can change without a restart.
func reloadConfig(log *slog.Logger, torch *control.Torch) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		log.Info("config changed", "file", e.Name, "op", e.Op.String())
		setLogLevel(viper.GetString("loglevel"))
		if power := viper.GetInt("torch.power"); power >= 0 {
			torch.SetPower(power)
		}
	}
}

func getConfig() *server.Config {
	return &server.Config{
		Addr:     fmt.Sprintf(":%d", viper.GetInt("port")),
		LogLevel: viper.GetString("loglevel"),

		CaptureRateLimit: viper.GetInt("server.captureRateLimit"),

		Config: service.Config{
			Camera: camera.Config{
				Backend:      viper.GetString("camera.backend"),
				Device:       viper.GetString("camera.device"),
				Binary:       viper.GetString("camera.binary"),
				Rotation:     viper.GetInt("camera.rotation"),
				LensPosition: viper.GetFloat64("camera.lensPosition"),
			},
			OutputDir:   viper.GetString("camera.outputDir"),
			CaptureMode: viper.GetString("camera.captureMode"),
			TorchPower:  viper.GetInt("torch.power"),

			UploadEnabled: viper.GetBool("upload.enabled"),
			Upload: uploadclient.Config{
				Address:  viper.GetString("upload.address"),
				Username: viper.GetString("upload.username"),
				Password: viper.GetString("upload.password"),
			},
			TimelapseConfig: service.TimelapseConfig{
				Enabled:  viper.GetBool("timelapse.enabled"),
				Interval: viper.GetInt("timelapse.interval"),
			},
		},
	}
}

func setLogLevel(level string) {
	level = strings.ToLower(level)
	switch level {
	case "debug":
		loglevel.Set(slog.LevelDebug)
	case "info":
		loglevel.Set(slog.LevelInfo)
	case "warn":
		loglevel.Set(slog.LevelWarn)
	case "error":
		loglevel.Set(slog.LevelError)
	default:
		slog.Warn("unknown log level, using INFO instead", "level", level)
		loglevel.Set(slog.LevelInfo)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	serverCmd.Flags().IntP("port", "p", 8080, "Listen port")
	viper.BindPFlag("port", serverCmd.Flags().Lookup("port"))
	serverCmd.Flags().StringP("backend", "b", camera.BackendUSB, "Camera backend: usb, rpicam or virtual")
	viper.BindPFlag("camera.backend", serverCmd.Flags().Lookup("backend"))
	serverCmd.Flags().String("device", "/dev/video0", "V4L2 device path")
	viper.BindPFlag("camera.device", serverCmd.Flags().Lookup("device"))
	serverCmd.Flags().StringP("output", "o", ".", "Directory for auto-named captures")
	viper.BindPFlag("camera.outputDir", serverCmd.Flags().Lookup("output"))
	serverCmd.Flags().BoolP("upload", "u", false, "Upload saved captures")
	viper.BindPFlag("upload.enabled", serverCmd.Flags().Lookup("upload"))
	serverCmd.Flags().Bool("timelapse", false, "Enable timelapse")
	viper.BindPFlag("timelapse.enabled", serverCmd.Flags().Lookup("timelapse"))
}

func main() {
	serverCmd.ExecuteContext(context.Background())
}
