// Command kaddht runs a local simulation of the DHT core: it starts a
// handful of Coordinators wired together over host/memhost (no real
// transport, per the core's scope — see host package doc) and exercises
// bootstrap, PutValue and GetValue across them, logging the result.
//
// Grounded on the teacher's cmd/zifd/main.go: same logrus TextFormatter
// setup, viper-backed config load with SetupConfig's defaults-then-watch
// sequence, and SIGINT-driven shutdown.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dhtcore/kaddht/config"
	"github.com/dhtcore/kaddht/coordinator"
	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/host/memhost"
	"github.com/dhtcore/kaddht/kadid"
)

var (
	Version   = "N/A"
	BuildTime = "N/A"
)

const simulatedPeerCount = 8

func main() {
	log.SetLevel(log.InfoLevel)
	formatter := new(log.TextFormatter)
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "15:04:05"
	log.SetFormatter(formatter)

	log.WithFields(log.Fields{
		"version": Version,
		"built":   BuildTime,
	}).Info("starting kaddht local simulation")

	loader := config.NewLoader("kaddht", ".", "$HOME/.kaddht", "/etc/kaddht")
	cfg, err := loader.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	loader.Watch(func(reloaded config.Config) {
		log.Info("configuration reloaded")
		cfg = reloaded
	})

	net := memhost.NewNetwork()
	coords := make([]*coordinator.Coordinator, 0, simulatedPeerCount)
	infos := make([]host.PeerInfo, 0, simulatedPeerCount)

	for i := 0; i < simulatedPeerCount; i++ {
		id, err := randomNodeId()
		if err != nil {
			log.WithError(err).Fatal("failed to generate node id")
		}
		h := memhost.New(net, id, fmt.Sprintf("memhost://%s", id.String()))
		c := coordinator.New(cfg, h, nil, memhost.NewScheduler())
		c.Start()

		coords = append(coords, c)
		infos = append(infos, h.PeerInfo())
	}

	// Bootstrap every peer off of peer 0, then peer 0 off of everything
	// else, so the simulated cluster converges into a connected table.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	for i := 1; i < len(coords); i++ {
		coords[i].Bootstrap(ctx, []host.PeerInfo{infos[0]})
	}
	coords[0].Bootstrap(ctx, infos[1:])
	cancel()

	key := kadid.Key("kaddht-simulation-key")
	value := []byte("hello from kaddht")

	// getValue's lookup is asynchronous (spec.md §5), so its context must
	// outlive this call and is cancelled only once the simulation is done
	// running, below. putValue's background replication runs on a context
	// of its own and does not use putCtx.
	putCtx, putCancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer putCancel()
	if err := coords[0].PutValue(putCtx, key, value); err != nil {
		log.WithError(err).Error("putValue failed")
	} else {
		log.Info("putValue accepted locally, replicating in the background")
	}

	getCtx, getCancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer getCancel()
	if outcome := coords[len(coords)-1].GetValue(getCtx, key, func(value []byte, found bool) {
		log.WithFields(log.Fields{
			"found": found,
			"value": string(value),
		}).Info("getValue complete")
	}); outcome == coordinator.OutcomeNoPeers {
		log.Warn("getValue could not proceed: no connectable peers near the target")
	}

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt)

	select {
	case <-sigchan:
		log.Info("received interrupt, shutting down")
	case <-time.After(time.Second):
		log.Info("simulation finished")
	}
}

func randomNodeId() (kadid.NodeId, error) {
	var id kadid.NodeId
	if _, err := rand.Read(id[:]); err != nil {
		return kadid.NodeId{}, err
	}
	return id, nil
}
