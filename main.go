package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pressfed/pressfed/activitypub"
	"github.com/pressfed/pressfed/db"
	"github.com/pressfed/pressfed/httpsig"
	"github.com/pressfed/pressfed/util"
	"github.com/pressfed/pressfed/web"
)

const databaseFileName = "database.db"

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("Could not read configuration", "err", err)
	}
	log.Debug("Loaded configuration", "conf", util.PrettyPrint(conf))

	store, err := db.Open(util.ResolveFilePath(databaseFileName))
	if err != nil {
		log.Fatal("Could not open database", "err", err)
	}
	defer store.Close()

	engine := httpsig.NewEngine(time.Duration(conf.Conf.SignatureSkewMinutes) * time.Minute)
	directory := activitypub.NewDirectory(store, store, conf.Conf.Domain,
		time.Duration(conf.Conf.ActorCacheTtlHours)*time.Hour)
	webfingerResolver := activitypub.NewWebfingerResolver(directory)
	registry := activitypub.NewRegistry(store)
	dispatcher := activitypub.NewDispatcher(directory, registry, store, conf.Conf.Domain)
	inbox := activitypub.NewInbox(directory, registry, dispatcher, store, store, store, engine, conf.Conf.Domain)
	svc := activitypub.NewService(store, store, store, directory, webfingerResolver, registry,
		dispatcher, conf.Conf.Domain)

	scheduler := activitypub.NewScheduler(store, store, store, engine, activitypub.SchedulerConfig{
		Domain:               conf.Conf.Domain,
		Standard:             conf.Conf.SignatureStandard,
		Workers:              conf.Conf.DeliveryWorkers,
		PollInterval:         time.Duration(conf.Conf.QueuePollSeconds) * time.Second,
		MaxAttempts:          conf.Conf.MaxDeliveryAttempts,
		UnreachableThreshold: conf.Conf.UnreachableThreshold,
	})
	scheduler.Start()

	go func() {
		if err := web.Run(conf, store, svc, inbox); err != nil {
			log.Fatal("HTTP server failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down")
	scheduler.Stop()
}
