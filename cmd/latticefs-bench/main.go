// Command latticefs-bench drives a synthetic commit workload against
// a scratch repository and reports throughput. It exists for the
// test-tooling section of this module, not as a product CLI — no
// flag/config surface beyond what a benchmark run needs.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/latticefs/latticefs"
	"github.com/latticefs/latticefs/store"
	"github.com/sirupsen/logrus"
)

func main() {
	files := flag.Int("files", 1000, "number of files to stage per commit")
	fileSize := flag.Int("file-size", 4096, "bytes per staged file")
	commits := flag.Int("commits", 5, "number of commits to run")
	vnodeSize := flag.Int64("vnode-size", 10000, "entries per vnode bucket")
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	dir, err := os.MkdirTemp("", "latticefs_bench_")
	if err != nil {
		log.WithError(err).Fatal("failed to create scratch dir")
	}
	defer os.RemoveAll(dir)

	cfg := latticefs.DefaultConfig()
	cfg.VNodeSize = *vnodeSize
	repo, err := latticefs.InitWithConfig(dir, cfg, store.NewMemStore())
	if err != nil {
		log.WithError(err).Fatal("failed to init repo")
	}

	content := bytes.Repeat([]byte{'a'}, *fileSize)
	start := time.Now()

	for c := 0; c < *commits; c++ {
		for i := 0; i < *files; i++ {
			path := fmt.Sprintf("commit-%d/file-%d.bin", c, i)
			if err := repo.Add(path, bytes.NewReader(content)); err != nil {
				log.WithError(err).Fatal("add failed")
			}
		}
		if _, err := repo.Commit(context.Background(), "bench", fmt.Sprintf("commit %d", c)); err != nil {
			log.WithError(err).Fatal("commit failed")
		}
	}

	elapsed := time.Since(start)
	totalFiles := *files * *commits
	log.WithFields(logrus.Fields{
		"commits":     *commits,
		"files":       totalFiles,
		"elapsed":     elapsed,
		"files_per_s": float64(totalFiles) / elapsed.Seconds(),
	}).Info("bench run complete")
}
