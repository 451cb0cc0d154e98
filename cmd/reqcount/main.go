/*
This command runs the proxy with the requestCounter filter and the
counting service.

For the list of command line options, run:

	reqcount -help

Example, counting the requests to a local service, with the counters
and queues in redis:

	reqcount -backend http://127.0.0.1:8080 \
		-shared-backend redis -swarm-redis-urls 127.0.0.1:6379 \
		-upstream httpbin=https://httpbin.org \
		-filter-config filter.json -service-config service.json
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/zalando/reqcount"
	"github.com/zalando/reqcount/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)

	if err := reqcount.Run(cfg.ToOptions()); err != nil {
		log.Fatal(err)
	}
}
