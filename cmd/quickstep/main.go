// Command quickstep is a small REPL for poking at a quickstep store file.
//
// Usage:
//
//	quickstep [flags] <store-path>
//
// Commands (in REPL):
//
//	put <key> <value>        Insert or update a record
//	get <key>                Look a key up
//	del <key>                Delete a key
//	scan <lo> <hi> [limit]   List records in [lo, hi)
//	stats [file]             Show counters, optionally dump to a file
//	flush <page-id>          Force a page checkpoint
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/quickstep-kv/quickstep"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("quickstep", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	innerNodes := fs.Uint32("inner-nodes", 256, "inner-node slab capacity")
	leafBound := fs.Uint64("leaf-bound", 1024, "mapping table capacity")
	cacheLg := fs.Int("cache-size-lg", 20, "log2 of the mini-page arena bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: quickstep [flags] <store-path>")
	}
	path := fs.Arg(0)

	cfg := quickstep.NewConfig(path, *innerNodes, *leafBound, *cacheLg).
		WithEnvOverrides().
		WithCLIOverrides(args)
	db, err := quickstep.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histFile := filepath.Join(os.TempDir(), ".quickstep_history")
	if f, err := os.Open(histFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("quickstep store %s (type 'help' for commands)\n", path)
	for {
		input, err := line.Prompt("quickstep> ")
		if err != nil {
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		switch fields[0] {
		case "exit", "quit", "q":
			return nil
		case "help":
			printHelp()
		case "put":
			if len(fields) != 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			if err := db.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Printf("put failed: %v\n", err)
			}
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			val, err := db.Get([]byte(fields[1]))
			switch {
			case err != nil:
				fmt.Printf("get failed: %v\n", err)
			case val == nil:
				fmt.Println("(not found)")
			default:
				fmt.Printf("%s\n", val)
			}
		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			found, err := db.Delete([]byte(fields[1]))
			if err != nil {
				fmt.Printf("del failed: %v\n", err)
			} else if !found {
				fmt.Println("(not found)")
			}
		case "scan":
			if len(fields) < 3 {
				fmt.Println("usage: scan <lo> <hi> [limit]")
				continue
			}
			limit := 100
			if len(fields) == 4 {
				if n, err := strconv.Atoi(fields[3]); err == nil {
					limit = n
				}
			}
			itr, err := db.RangeScan([]byte(fields[1]), []byte(fields[2]))
			if err != nil {
				fmt.Printf("scan failed: %v\n", err)
				continue
			}
			shown := 0
			for {
				ok, key, val := itr.Next()
				if !ok || shown >= limit {
					break
				}
				fmt.Printf("%s = %s\n", key, val)
				shown++
			}
			fmt.Printf("(%d of %d)\n", shown, itr.Len())
		case "stats":
			stats := db.DebugWalStats(quickstep.PageId(0))
			fmt.Printf("splits=%d merges=%d evictions=%d wal_records=%d wal_bytes=%d\n",
				quickstep.SplitRequests(), quickstep.MergeRequests(), quickstep.Evictions(),
				stats.TotalRecords, stats.TotalBytes)
			if len(fields) == 2 {
				if err := db.DumpStats(fields[1]); err != nil {
					fmt.Printf("dump failed: %v\n", err)
				}
			}
		case "flush":
			if len(fields) != 2 {
				fmt.Println("usage: flush <page-id>")
				continue
			}
			id, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				fmt.Println("bad page id")
				continue
			}
			if err := db.DebugFlushPage(quickstep.PageId(id)); err != nil {
				fmt.Printf("flush failed: %v\n", err)
			}
		default:
			fmt.Printf("unknown command %q (try 'help')\n", fields[0])
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  put <key> <value>        insert or update a record
  get <key>                look a key up
  del <key>                delete a key
  scan <lo> <hi> [limit]   list records in [lo, hi)
  stats [file]             show counters, optionally dump to a file
  flush <page-id>          force a page checkpoint
  exit                     quit`)
}
