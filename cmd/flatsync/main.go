package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/app/logger"
	"github.com/flatmates/flat-sync/authorityclient"
	"github.com/flatmates/flat-sync/config"
	"github.com/flatmates/flat-sync/localwrite"
	"github.com/flatmates/flat-sync/metric"
	"github.com/flatmates/flat-sync/storage"
	"github.com/flatmates/flat-sync/storage/entitystorage"
	"github.com/flatmates/flat-sync/storage/queuestorage"
	"github.com/flatmates/flat-sync/syncservice"
	"github.com/flatmates/flat-sync/syncstatus"
)

var log = logger.NewNamed("main")

var (
	flagConfigFile = flag.String("c", "etc/config.yml", "path to config file")
	flagVersion    = flag.Bool("v", false, "show version and exit")
	flagHelp       = flag.Bool("h", false, "show help and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println(app.VersionDescription())
		return
	}
	if *flagHelp {
		flag.PrintDefaults()
		return
	}

	ctx := context.Background()
	a := new(app.App)

	conf, err := config.NewFromFile(*flagConfigFile)
	if err != nil {
		log.Fatal("can't open config file", zap.Error(err))
	}
	conf.Logger.ApplyGlobal()

	Bootstrap(a, conf)
	if err := a.Start(ctx); err != nil {
		log.Fatal("can't start app", zap.Error(err))
	}
	log.Info("app started", zap.String("version", a.Version()))

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-exit
	log.Info("received exit signal, stop app", zap.String("signal", fmt.Sprint(sig)))

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Fatal("close error", zap.Error(err))
	}
}

func Bootstrap(a *app.App, conf *config.Config) {
	a.Register(conf).
		Register(storage.New()).
		Register(entitystorage.New()).
		Register(queuestorage.New()).
		Register(authorityclient.New()).
		Register(metric.New()).
		Register(syncservice.New()).
		Register(syncstatus.New()).
		Register(localwrite.New())
}
