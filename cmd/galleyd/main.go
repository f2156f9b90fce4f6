/*
 * Copyright 2024 The galley Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command galleyd wires a galley.Provider to an etcd-backed ownership
// map and serves its Prometheus metrics, the way a real deployment
// would run the cache provider as a standalone daemon.
package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/pkocandr/galley"
	"github.com/pkocandr/galley/internal/localstore"
	"github.com/pkocandr/galley/internal/ownership"
)

var flags = []cli.Flag{
	cli.StringFlag{Name: "shared-root", Usage: "shared-store mount absolute path (overrides GALLEY_NFS_BASEDIR)"},
	cli.StringFlag{Name: "local-root", Usage: "local tier root directory", Value: "./galley-local"},
	cli.StringFlag{Name: "etcd-endpoints", Usage: "comma-separated etcd endpoints", Value: "127.0.0.1:2379"},
	cli.StringFlag{Name: "etcd-prefix", Usage: "etcd key prefix for the ownership map", Value: "/galley"},
	cli.DurationFlag{Name: "session-ttl", Usage: "etcd lease TTL backing cluster locks", Value: 30 * time.Second},
	cli.StringFlag{Name: "metrics-addr", Usage: "address to serve /metrics on", Value: ":9090"},
}

func main() {
	app := cli.NewApp()
	app.Name = "galleyd"
	app.Usage = "two-tier artifact cache provider daemon"
	app.Flags = flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

func run(c *cli.Context) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg := galley.Config{
		SharedRoot: c.String("shared-root"),
		LocalRoot:  c.String("local-root"),
	}
	if err := cfg.Resolve(); err != nil {
		return err
	}

	etcdCfg := clientv3.Config{
		Endpoints:   splitCSV(c.String("etcd-endpoints")),
		DialTimeout: 5 * time.Second,
	}
	etcdClient, err := clientv3.New(etcdCfg)
	if err != nil {
		return err
	}
	defer etcdClient.Close()

	ownMap, err := ownership.NewEtcdMap(etcdClient, c.String("etcd-prefix"), cfg.NodeIP, c.Duration("session-ttl"))
	if err != nil {
		return err
	}

	local, err := localstore.NewFSStore(c.String("local-root"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	provider, err := galley.NewProvider(cfg, local, ownMap, nil, log, reg)
	if err != nil {
		return err
	}
	defer provider.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: c.String("metrics-addr"), Handler: mux}
	log.Info("galleyd started", zap.String("metrics_addr", c.String("metrics-addr")))

	return srv.ListenAndServe()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
