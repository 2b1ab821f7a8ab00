// Command clusterdrv wires the routing core against an in-memory
// reference connection pool and a single-node fake cluster, so the
// library is exercisable end-to-end without a live server. Construction
// proceeds in numbered phases with log.Println milestones and a fatalf
// helper for startup errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Resinat/clusterdrv/internal/clock"
	"github.com/Resinat/clusterdrv/internal/config"
	"github.com/Resinat/clusterdrv/internal/connpool"
	"github.com/Resinat/clusterdrv/internal/discovery"
	"github.com/Resinat/clusterdrv/internal/geohint"
	"github.com/Resinat/clusterdrv/internal/loadbalancer"
	"github.com/Resinat/clusterdrv/internal/resolver"
	"github.com/Resinat/clusterdrv/internal/routinglog"
	"github.com/Resinat/clusterdrv/internal/routingtable"
)

func main() {
	configPath := flag.String("config", os.Getenv("CLUSTERDRV_CONFIG"), "path to a clusterdrv settings YAML file")
	geoDBPath := flag.String("geo-db", os.Getenv("CLUSTERDRV_GEO_DB"), "optional path to a region mmdb database")
	logDir := flag.String("log-dir", "./clusterdrv-logs", "directory for the routing audit trail")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	log.Println("Settings loaded")

	// Phase 1: region hinting. Best-effort and never fatal; an unreadable
	// or absent database just means routing_context never gains a region.
	hinter := newGeoHinter(*geoDBPath)
	defer hinter.Close()
	settings.RoutingContext = hinter.Apply(settings.RoutingContext)
	log.Printf("Routing context: %v", settings.RoutingContext)

	// Phase 2: audit trail.
	recorder := routinglog.NewRecorder(*logDir, 0, 0)
	if err := recorder.Open(); err != nil {
		fatalf("open routing log: %v", err)
	}
	defer recorder.Close()
	log.Println("Routing log opened")

	// Phase 3: connection pool (reference implementation over the fake
	// single-node cluster) plus its idle-sweep schedule.
	pool, err := connpool.New(connpool.Config{
		Dial:          fakeDialer(),
		IdleTTL:       time.Minute,
		SweepSchedule: "@every 30s",
	})
	if err != nil {
		fatalf("build connection pool: %v", err)
	}
	defer pool.Close()
	log.Println("Connection pool initialized")

	// Phase 4: routing table, discovery, and load balancer.
	table := routingtable.New(clock.Real{})
	provider := discovery.NewCompositionProvider(settings.RoutingContext)
	rediscovery := discovery.New(
		clock.Real{},
		pool,
		provider,
		resolver.NewDNS(),
		table,
		settings.Bootstrap(),
		settings.MaxRoutingFailures,
		func() time.Duration { return settings.RetryTimeoutDelay.Std() },
	)
	rediscovery.SetRecorder(recorder)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lb, err := loadbalancer.New(ctx, table, pool, rediscovery)
	if err != nil {
		fatalf("build load balancer: %v", err)
	}
	lb.SetRecorder(recorder)
	log.Println("Load balancer ready")

	// Phase 5: exercise the core — acquire one read and one write
	// connection and release each back to the pool.
	readConn, err := lb.Acquire(ctx, routingtable.Read)
	if err != nil {
		fatalf("acquire read connection: %v", err)
	}
	log.Printf("Acquired read connection to %s", readConn.Address())
	if err := readConn.Close(ctx); err != nil {
		log.Printf("close read connection: %v", err)
	}

	writeConn, err := lb.Acquire(ctx, routingtable.Write)
	if err != nil {
		fatalf("acquire write connection: %v", err)
	}
	log.Printf("Acquired write connection to %s", writeConn.Address())
	if err := writeConn.Close(ctx); err != nil {
		log.Printf("close write connection: %v", err)
	}
}

func newGeoHinter(path string) *geohint.Hinter {
	if path == "" {
		reader, _ := geohint.NoOpOpen("")
		return geohint.New(reader)
	}
	reader, err := geohint.MMDBOpen(path)
	if err != nil {
		log.Printf("[geohint] failed to open %s, region hints disabled: %v", path, err)
		reader, _ = geohint.NoOpOpen("")
	}
	return geohint.New(reader)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
