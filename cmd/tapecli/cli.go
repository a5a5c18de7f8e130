// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/google/uuid"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/tape/internal/builder"
	"github.com/westerndigitalcorporation/tape/internal/records"
	"github.com/westerndigitalcorporation/tape/internal/staging"
	"github.com/westerndigitalcorporation/tape/pkg/tape"
)

var usage = `
	tapecli stages captured entity versions, builds them into tapes and
	queries the result.

	Versions are staged with 'ingest' from JSON lines of the form

		{"id": "<uuid>", "time": <unix seconds>, "value": {...}}

	and built into one tape per record kind with 'build'. Queries ('get',
	'versions', 'ids', 'header', 'stats', 'verify') open the tape given with
	--tape. Run 'shell' to issue several commands against the same open tapes.

	Build and reader parameters start from their defaults, are overridden by
	an optional JSON file given with --config, and then by individual flags:

		{"Builder": {"CompressionLevel": 19, "CheckpointEvery": 64, "Train": true},
		 "Reader": {"CacheEntries": 4096, "CacheShards": 16, "Workers": 8}}
	`

// fileConfig is the format of the --config file.
type fileConfig struct {
	Builder builder.Config
	Reader  tape.ReaderConfig
}

// openTape is a tape kept open between shell commands.
type openTape struct {
	kind  records.Kind
	store records.Store
}

// tapeCli builds and queries tapes.
type tapeCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App
	out io.Writer

	// Staging store, opened on first use.
	staging     *staging.Store
	stagingPath string

	// Tapes opened so far, by path.
	tapes map[string]openTape

	// True if we are running a shell.
	inShell bool
}

// newTapeCli creates a new tapeCli object.
func newTapeCli() *tapeCli {
	t := &tapeCli{out: os.Stdout, tapes: make(map[string]openTape)}
	app := cli.NewApp()
	app.Name = "tapecli"
	app.Usage = usage

	configFlag := cli.StringFlag{
		Name:  "config",
		Usage: "JSON file with builder and reader configuration",
	}
	stagingFlag := cli.StringFlag{
		Name:  "staging, s",
		Usage: "staging store file",
		Value: "staging.db",
	}
	tapeFlag := cli.StringFlag{
		Name:  "tape, t",
		Usage: "tape file",
	}
	kindFlag := cli.StringFlag{
		Name:  "kind, k",
		Usage: "record kind (games, players, teams)",
	}
	idFlag := cli.StringFlag{
		Name:  "id",
		Usage: "entity id",
	}
	cacheFlag := cli.IntFlag{
		Name:  "cache",
		Usage: "decompressed blocks to cache (0: size from memory, <0: off)",
	}
	workersFlag := cli.IntFlag{
		Name:  "workers",
		Usage: "goroutines for batch queries (0: GOMAXPROCS)",
	}
	readerFlags := []cli.Flag{configFlag, tapeFlag, kindFlag, cacheFlag, workersFlag}

	app.Commands = []cli.Command{
		{
			Name:  "ingest",
			Usage: "Stages versions from a JSON lines file.",
			Flags: []cli.Flag{
				stagingFlag,
				kindFlag,
				cli.StringFlag{
					Name:  "file, f",
					Usage: "input file (default: stdin)",
				},
				cli.IntFlag{
					Name:  "batch",
					Usage: "versions per staging transaction",
					Value: 1000,
				},
			},
			Action: t.cmdIngest,
		},
		{
			Name:  "staged",
			Usage: "Shows what is staged.",
			Flags: []cli.Flag{
				stagingFlag,
			},
			Action: t.cmdStaged,
		},
		{
			Name:  "build",
			Usage: "Builds a tape from staged versions.",
			Flags: []cli.Flag{
				configFlag,
				stagingFlag,
				kindFlag,
				cli.StringFlag{
					Name:  "out, o",
					Usage: "output tape file (default: <kind>.tape)",
				},
				cli.IntFlag{
					Name:  "level",
					Usage: "zstd compression level",
				},
				cli.IntFlag{
					Name:  "every",
					Usage: "checkpoint every this many versions (0: first only)",
				},
				cli.IntFlag{
					Name:  "dict_size",
					Usage: "dictionary size in bytes",
				},
				cli.BoolFlag{
					Name:  "no_dict",
					Usage: "don't train a dictionary",
				},
			},
			Action: t.cmdBuild,
		},
		{
			Name:   "ids",
			Usage:  "Lists the entities in a tape.",
			Flags:  readerFlags,
			Action: t.cmdIDs,
		},
		{
			Name:  "get",
			Usage: "Prints entities as of a time.",
			Flags: append([]cli.Flag{
				cli.StringSliceFlag{
					Name:  "id",
					Usage: "entity id, may be repeated",
				},
				cli.Int64Flag{
					Name:  "at",
					Usage: "unix time (default: latest)",
					Value: 1<<63 - 1,
				},
			}, readerFlags...),
			Action: t.cmdGet,
		},
		{
			Name:  "versions",
			Usage: "Prints the versions of an entity in a time window.",
			Flags: append([]cli.Flag{
				idFlag,
				cli.Int64Flag{
					Name:  "after",
					Usage: "exclusive lower bound",
					Value: -1 << 63,
				},
				cli.Int64Flag{
					Name:  "before",
					Usage: "inclusive upper bound",
					Value: 1<<63 - 1,
				},
				cli.BoolFlag{
					Name:  "patches",
					Usage: "print each version after the first as a JSON Patch",
				},
			}, readerFlags...),
			Action: t.cmdVersions,
		},
		{
			Name:   "header",
			Usage:  "Prints the header of an entity.",
			Flags:  append([]cli.Flag{idFlag}, readerFlags...),
			Action: t.cmdHeader,
		},
		{
			Name:   "stats",
			Usage:  "Prints statistics of a tape and the queries run so far.",
			Flags:  readerFlags,
			Action: t.cmdStats,
		},
		{
			Name:  "verify",
			Usage: "Reconstructs every version in a tape.",
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "limit",
					Usage: "stop after this many failures (0: no limit)",
					Value: 10,
				},
			}, readerFlags...),
			Action: t.cmdVerify,
		},
		{
			Name:   "shell",
			Usage:  "Starts an interactive shell.",
			Action: t.cmdShell,
		},
	}
	t.app = app

	// By default 'HelpName' will be the parent command name('tapecli' in our
	// case) + command name. Overwrite 'HelpName' to be command name only.
	for i := range t.app.Commands {
		t.app.Commands[i].HelpName = t.app.Commands[i].Name
	}
	return t
}

// run starts a command specified by users.
func (t *tapeCli) run(args []string) error {
	return t.app.Run(args)
}

// stop frees up all resource used by the tapeCli object.
func (t *tapeCli) stop() {
	for path, ot := range t.tapes {
		if err := ot.store.Close(); err != nil {
			log.Errorf("closing %s: %v", path, err)
		}
	}
	t.tapes = make(map[string]openTape)
	if t.staging != nil {
		t.staging.Close()
		t.staging = nil
	}
}

// loadConfig returns the defaults overridden by the --config file.
func loadConfig(c *cli.Context) (fileConfig, error) {
	cfg := fileConfig{Builder: builder.DefaultConfig, Reader: tape.DefaultReaderConfig}
	name := c.String("config")
	if name == "" {
		return cfg, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return cfg, fmt.Errorf("couldn't open the provided config file: %s", err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode the config file: %s", err)
	}
	return cfg, nil
}

func (t *tapeCli) getKind(c *cli.Context) (records.Kind, bool) {
	k, err := records.ParseKind(c.String("kind"))
	if err != nil {
		log.Errorf("%v; use --kind/-k", err)
		return 0, false
	}
	return k, true
}

// getStaging returns the staging store, reusing an open one if it is the
// same file.
func (t *tapeCli) getStaging(c *cli.Context) (*staging.Store, bool) {
	path := c.String("staging")
	if t.staging != nil && t.stagingPath == path {
		return t.staging, true
	}
	if t.staging != nil {
		t.staging.Close()
		t.staging = nil
	}
	st, err := staging.Open(path)
	if err != nil {
		log.Errorf("Couldn't open staging store: %v", err)
		return nil, false
	}
	t.staging, t.stagingPath = st, path
	return st, true
}

// getTape returns the tape named by --tape, reusing an open one.
func (t *tapeCli) getTape(c *cli.Context) (records.Store, bool) {
	path := c.String("tape")
	if path == "" {
		log.Errorf("No tape provided. Use --tape/-t.")
		return nil, false
	}
	kind, ok := t.getKind(c)
	if !ok {
		return nil, false
	}
	if ot, ok := t.tapes[path]; ok && ot.kind == kind {
		return ot.store, true
	} else if ok {
		ot.store.Close()
		delete(t.tapes, path)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		log.Errorf("%v", err)
		return nil, false
	}
	// NOTE: flags override the config file only when given.
	if c.IsSet("cache") {
		cfg.Reader.CacheEntries = c.Int("cache")
	}
	if c.IsSet("workers") {
		cfg.Reader.Workers = c.Int("workers")
	}
	if !t.inShell {
		// One-off commands touch little of the file.
		cfg.Reader.Populate = false
	}

	s, err := records.OpenStore(kind, path, cfg.Reader)
	if err != nil {
		log.Errorf("Couldn't open tape: %v", err)
		return nil, false
	}
	t.tapes[path] = openTape{kind: kind, store: s}
	return s, true
}

func parseID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		log.Errorf("Failed to parse id %q: %v", s, err)
		return id, false
	}
	return id, true
}

func (t *tapeCli) printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("Couldn't render result: %v", err)
		return
	}
	fmt.Fprintf(t.out, "%s\n", b)
}

// ingestLine is one line of an ingest file.
type ingestLine struct {
	ID    uuid.UUID       `json:"id"`
	Time  int64           `json:"time"`
	Value json.RawMessage `json:"value"`
}

// cmdIngest implements the "ingest" subcommand.
func (t *tapeCli) cmdIngest(c *cli.Context) {
	kind, ok := t.getKind(c)
	if !ok {
		return
	}
	st, ok := t.getStaging(c)
	if !ok {
		return
	}
	var in io.Reader = os.Stdin
	if name := c.String("file"); name != "" {
		f, err := os.Open(name)
		if err != nil {
			log.Errorf("Couldn't open input: %v", err)
			return
		}
		defer f.Close()
		in = f
	}

	batch := c.Int("batch")
	if batch <= 0 {
		batch = 1
	}
	var pending []staging.Version
	flush := func() bool {
		if err := st.PutBatch(kind.String(), pending); err != nil {
			log.Errorf("Couldn't stage versions: %v", err)
			return false
		}
		pending = pending[:0]
		return true
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1<<20), 64<<20)
	lines, staged := 0, 0
	for scanner.Scan() {
		lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var l ingestLine
		if err := json.Unmarshal([]byte(line), &l); err != nil || len(l.Value) == 0 {
			log.Errorf("line %d: not a version: %v", lines, err)
			return
		}
		pending = append(pending, staging.Version{ID: l.ID, Time: l.Time, Value: l.Value})
		if len(pending) >= batch {
			if !flush() {
				return
			}
		}
		staged++
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("Couldn't read input: %v", err)
		return
	}
	if !flush() {
		return
	}
	log.Infof("Staged %d %s versions", staged, kind)
}

// cmdStaged implements the "staged" subcommand.
func (t *tapeCli) cmdStaged(c *cli.Context) {
	st, ok := t.getStaging(c)
	if !ok {
		return
	}
	kinds, err := st.Kinds()
	if err != nil {
		log.Errorf("Couldn't list kinds: %v", err)
		return
	}
	for _, k := range kinds {
		entities, versions, err := st.Count(k)
		if err != nil {
			log.Errorf("Couldn't count %s: %v", k, err)
			return
		}
		fmt.Fprintf(t.out, "%s: %d entities, %d versions\n", k, entities, versions)
	}
}

// cmdBuild implements the "build" subcommand.
func (t *tapeCli) cmdBuild(c *cli.Context) {
	kind, ok := t.getKind(c)
	if !ok {
		return
	}
	st, ok := t.getStaging(c)
	if !ok {
		return
	}
	cfg, err := loadConfig(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	bc := cfg.Builder
	if c.IsSet("level") {
		bc.CompressionLevel = c.Int("level")
	}
	if c.IsSet("every") {
		bc.CheckpointEvery = c.Int("every")
	}
	if c.IsSet("dict_size") {
		bc.DictSize = c.Int("dict_size")
	}
	if c.Bool("no_dict") {
		bc.Train = false
	}
	out := c.String("out")
	if out == "" {
		out = kind.String() + ".tape"
	}

	// Don't serve a stale copy of the tape we are replacing.
	if ot, ok := t.tapes[out]; ok {
		ot.store.Close()
		delete(t.tapes, out)
	}
	res, err := records.Build(context.Background(), kind, st, out, bc)
	if err != nil {
		log.Errorf("Couldn't build %s: %v", out, err)
		return
	}
	fmt.Fprintf(t.out, "%s: %d entities, %d versions, %d bytes body, %d bytes header, %d bytes dictionary, %s\n",
		res.Path, res.Entities, res.Versions, res.BodyBytes, res.HeaderBytes, res.DictBytes, res.Elapsed)
}

// cmdIDs implements the "ids" subcommand.
func (t *tapeCli) cmdIDs(c *cli.Context) {
	s, ok := t.getTape(c)
	if !ok {
		return
	}
	for _, id := range s.AllIDs() {
		fmt.Fprintln(t.out, id)
	}
}

// cmdGet implements the "get" subcommand.
func (t *tapeCli) cmdGet(c *cli.Context) {
	s, ok := t.getTape(c)
	if !ok {
		return
	}
	var ids []uuid.UUID
	for _, arg := range append(c.StringSlice("id"), c.Args()...) {
		id, ok := parseID(arg)
		if !ok {
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		log.Errorf("No ids provided. Use --id.")
		return
	}
	at := c.Int64("at")

	if len(ids) == 1 {
		v, ok, err := s.Get(ids[0], at)
		if err != nil {
			log.Errorf("Couldn't get %s: %v", ids[0], err)
			return
		}
		if !ok {
			log.Errorf("%s has no version at %d", ids[0], at)
			return
		}
		t.printJSON(v)
		return
	}
	vs, err := s.GetMany(ids, at)
	if err != nil {
		log.Errorf("Couldn't get entities: %v", err)
		return
	}
	out := make(map[string]*records.Version, len(ids))
	for i, v := range vs {
		out[ids[i].String()] = v
	}
	t.printJSON(out)
}

// cmdVersions implements the "versions" subcommand.
func (t *tapeCli) cmdVersions(c *cli.Context) {
	s, ok := t.getTape(c)
	if !ok {
		return
	}
	id, ok := parseID(c.String("id"))
	if !ok {
		return
	}
	vs, ok, err := s.Versions(id, c.Int64("before"), c.Int64("after"))
	if err != nil {
		log.Errorf("Couldn't get versions of %s: %v", id, err)
		return
	}
	if !ok {
		log.Errorf("%s is not in this tape", id)
		return
	}
	if !c.Bool("patches") {
		t.printJSON(vs)
		return
	}
	changes, err := records.Changes(vs)
	if err != nil {
		log.Errorf("Couldn't render patches of %s: %v", id, err)
		return
	}
	t.printJSON(changes)
}

// cmdHeader implements the "header" subcommand.
func (t *tapeCli) cmdHeader(c *cli.Context) {
	s, ok := t.getTape(c)
	if !ok {
		return
	}
	id, ok := parseID(c.String("id"))
	if !ok {
		return
	}
	h, ok := s.Header(id)
	if !ok {
		log.Errorf("%s is not in this tape", id)
		return
	}
	t.printJSON(h)
}

// cmdStats implements the "stats" subcommand.
func (t *tapeCli) cmdStats(c *cli.Context) {
	s, ok := t.getTape(c)
	if !ok {
		return
	}
	t.printJSON(s.Stats())
	for _, op := range []string{"get_entity", "get_entities", "get_versions"} {
		fmt.Fprintln(t.out, tape.QueryMetrics(op))
	}
}

// cmdVerify implements the "verify" subcommand.
func (t *tapeCli) cmdVerify(c *cli.Context) {
	s, ok := t.getTape(c)
	if !ok {
		return
	}
	failed := s.Verify(c.Int("limit"))
	for _, f := range failed {
		fmt.Fprintf(t.out, "%s: %v\n", f.ID, f.Err)
	}
	if len(failed) != 0 {
		log.Errorf("%d entities failed verification", len(failed))
		if !t.inShell {
			cli.OsExiter(1)
		}
		return
	}
	fmt.Fprintf(t.out, "%d entities ok\n", len(s.AllIDs()))
}

// cmdShell implements the "shell" subcommand.
func (t *tapeCli) cmdShell(c *cli.Context) {
	if t.inShell {
		log.Errorf("Already in a shell")
		return
	}
	t.inShell = true
	defer func() { t.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Add commands auto completion.
	// SetCompleter accepts a function that will be called when users type something
	// in shell. The func takes the currently edited line content at the left of the
	// cursor(stored in 'line') and returns a list of completion candidates.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range t.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt("(tape) ")
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Errorf("error: %v", err)
			}
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if t.runCommand(args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

// runCommand runs a command after the cli gets started already.
func (t *tapeCli) runCommand(args ...string) error {
	return t.run(append([]string{"tapecli"}, args...))
}
