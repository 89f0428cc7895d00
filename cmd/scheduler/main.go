package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Paddel87/AIMA-sub000/internal/common"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/rest"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.SchedulerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/scheduler", userSpecifiedConfig)

	app, err := scheduler.NewApp(config)
	if err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	api := rest.NewServer(config.ApiPort, app.Scheduler, app.Registry)
	go func() {
		if err := api.Serve(); err != nil {
			log.Fatalf("REST API failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Errorf("scheduler stopped with error: %v", err)
	}
	api.Shutdown()
}
