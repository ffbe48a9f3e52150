// Package main is an offline tool for inspecting and maintaining a
// storage directory. The server must not be running against the same
// directory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/a-poor/userdb/config"
	"github.com/a-poor/userdb/storage"
)

const usage = `usage: bdbcli [-db path] <command> [args]

commands:
  get <key>          print the value stored for key
  put <key> <value>  store value under key
  del <key>          remove key
  flush              write the memtable out to a table
  compact            merge every table into one
  stats              print the tree's shape as JSON
`

func main() {
	var dbPath string
	var noSync bool
	flag.StringVar(&dbPath, "db", config.Default().DBPath, "path to the storage directory")
	flag.BoolVar(&noSync, "no-sync", false, "don't fsync the WAL after each write")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := storage.DefaultOptions()
	opts.SyncWrites = !noSync
	tree, err := storage.Open(dbPath, opts)
	if err != nil {
		config.Exitf("Error: open %s: %v", dbPath, err)
	}

	err = run(tree, args[0], args[1:])
	if cerr := tree.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		config.Exitf("Error: %v", err)
	}
}

func run(tree *storage.LSMTree, cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get takes one key")
		}
		v, ok, err := tree.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Println(string(v))
		return nil

	case "put":
		if len(args) != 2 {
			return fmt.Errorf("put takes a key and a value")
		}
		_, _, err := tree.Insert([]byte(args[0]), []byte(args[1]))
		return err

	case "del":
		if len(args) != 1 {
			return fmt.Errorf("del takes one key")
		}
		_, ok, err := tree.Remove([]byte(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found", args[0])
		}
		return nil

	case "flush":
		return tree.Flush()

	case "compact":
		return tree.Compact()

	case "stats":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tree.Stats())

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
