// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// We should send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	cli := newTapeCli()

	// Catch INT and TERM signals so open tapes and the staging store are
	// closed when the process is forced to quit.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cli.stop()
		os.Exit(1)
	}()

	// glog's flags were consumed above; the rest belong to the cli.
	args := append([]string{os.Args[0]}, flag.Args()...)
	if err := cli.run(args); err != nil {
		cli.stop()
		os.Exit(1)
	}
	cli.stop()
}
