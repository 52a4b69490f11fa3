package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"

	"github.com/pultline/alarm-callout/internal/pkg/application/callout"
	"github.com/pultline/alarm-callout/internal/pkg/application/events"
	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/gateway"
	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/repositories/archive"
	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/report"
	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/router"
	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/storage"
	"github.com/pultline/alarm-callout/internal/pkg/presentation/api"
)

const serviceName string = "alarm-callout"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort

	configurationFile
	notificationsFile
	reportDirectory

	telephonyURL
	telephonyUser
	telephonyPassword
	telephonyContext
	telephonyExten

	smsURL
	smsLogin
	smsPassword

	synthesisURL

	autostart
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",

		configurationFile: "/opt/alarm-callout/config/config.yaml",
		notificationsFile: "/opt/alarm-callout/config/notifications.yaml",
		reportDirectory:   "/var/lib/alarm-callout/reports",

		telephonyURL:      "http://localhost:8088/rawman",
		telephonyUser:     "",
		telephonyPassword: "",
		telephonyContext:  "callout",
		telephonyExten:    "s",

		smsURL:      "",
		smsLogin:    "",
		smsPassword: "",

		synthesisURL: "http://localhost:8089/synthesize",

		autostart: "true",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	cfgFile, err := os.Open(flags[configurationFile])
	exitIf(err, logger, "could not open configuration file")

	cfg, err := callout.LoadConfiguration(cfgFile)
	cfgFile.Close()
	exitIf(err, logger, "could not parse configuration")

	notifierCfg := loadNotificationConfig(flags[notificationsFile], logger)

	store, err := storage.New(ctx, storage.LoadConfiguration(ctx))
	exitIf(err, logger, "could not connect to source database")

	reopened, err := store.ReopenClaimedEvents(ctx)
	exitIf(err, logger, "could not reopen claimed events")
	if reopened > 0 {
		logger.Info("reopened events claimed by a previous run", "count", reopened)
	}

	archiveRepo, err := archive.NewRepository(archive.NewPostgreSQLConnector(ctx, archive.LoadConfigFromEnv(ctx)))
	exitIf(err, logger, "could not connect to archive database")

	sink, err := report.NewSink(flags[reportDirectory])
	exitIf(err, logger, "could not create report sink")

	messenger, err := messaging.Initialize(ctx, messaging.LoadConfiguration(ctx, serviceName, logger))
	exitIf(err, logger, "failed to init messenger")

	dispatcher := gateway.NewCallDispatcher(
		flags[telephonyURL], flags[telephonyUser], flags[telephonyPassword],
		flags[telephonyContext], flags[telephonyExten],
	)
	sms := gateway.NewSMSSender(flags[smsURL], flags[smsLogin], flags[smsPassword])
	synth := gateway.NewSynthesizer(flags[synthesisURL])
	notifier := events.New(notifierCfg)

	svc := callout.New(cfg, store, archiveRepo, sink, dispatcher, sms, synth, messenger, notifier)

	messenger.Start()

	if flags[autostart] == "true" {
		err = svc.Start(ctx)
		exitIf(err, logger, "could not start callout processing")
	}

	r := router.New(serviceName)
	_, err = api.RegisterHandlers(ctx, r, svc, cfg.MaxConcurrent)
	exitIf(err, logger, "failed to register handlers")

	apiPort := flags[servicePort]
	logger.Info("starting to listen for incoming connections", "port", apiPort)

	server := &http.Server{Addr: flags[listenAddress] + ":" + apiPort, Handler: r}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err.Error())
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc.Stop(ctx)
	server.Shutdown(shutdownCtx)
	messenger.Close()
	store.Close()
}

func loadNotificationConfig(path string, logger *slog.Logger) *events.Config {
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("no notification config found, subscriber notifications disabled", "path", path)
		return nil
	}
	defer f.Close()

	cfg, err := events.LoadConfiguration(f)
	if err != nil {
		logger.Error("could not parse notification config", "err", err.Error())
		return nil
	}

	return cfg
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])

	flags[reportDirectory] = envOrDef(ctx, "REPORT_DIRECTORY", flags[reportDirectory])

	flags[telephonyURL] = envOrDef(ctx, "TELEPHONY_URL", flags[telephonyURL])
	flags[telephonyUser] = envOrDef(ctx, "TELEPHONY_USER", flags[telephonyUser])
	flags[telephonyPassword] = envOrDef(ctx, "TELEPHONY_PASSWORD", flags[telephonyPassword])
	flags[telephonyContext] = envOrDef(ctx, "TELEPHONY_CONTEXT", flags[telephonyContext])
	flags[telephonyExten] = envOrDef(ctx, "TELEPHONY_EXTEN", flags[telephonyExten])

	flags[smsURL] = envOrDef(ctx, "SMS_URL", flags[smsURL])
	flags[smsLogin] = envOrDef(ctx, "SMS_LOGIN", flags[smsLogin])
	flags[smsPassword] = envOrDef(ctx, "SMS_PASSWORD", flags[smsPassword])

	flags[synthesisURL] = envOrDef(ctx, "SYNTHESIS_URL", flags[synthesisURL])

	flags[autostart] = envOrDef(ctx, "AUTOSTART", flags[autostart])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("config", "callout configuration file", apply(configurationFile))
	flag.Func("notifications", "subscriber notification configuration file", apply(notificationsFile))
	flag.Func("reports", "directory for monthly report files", apply(reportDirectory))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
