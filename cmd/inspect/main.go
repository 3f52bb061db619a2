// Command inspect opens a relaydesk store read-only and dumps records by
// keyspace. It is an offline debugging aid; run it against a copy of the
// store, or against a stopped server.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

var keyspaces = map[string]string{
	"threads":    "thread:",
	"versions":   "version:msg:",
	"links":      "link:",
	"closures":   "closure:",
	"blocks":     "block:",
	"recipients": "recipient:",
	"containers": "container:",
	"identities": "identity:",
	"repairs":    "repair:",
}

func main() {
	var (
		dbPath   = flag.String("db", "./.relaydesk", "relaydesk DB path (the directory passed to --db on the server)")
		space    = flag.String("space", "threads", "keyspace: threads|versions|links|closures|blocks|recipients|containers|identities|repairs|all")
		rawPfx   = flag.String("prefix", "", "raw key prefix; overrides --space")
		limit    = flag.Int("limit", 100, "max records to print (0 = no limit)")
		keysOnly = flag.Bool("keys", false, "print keys without values")
	)
	flag.Parse()

	prefix := *rawPfx
	if prefix == "" && *space != "all" {
		p, ok := keyspaces[*space]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown keyspace %q\n", *space)
			os.Exit(2)
		}
		prefix = p
	}

	storePath := filepath.Join(*dbPath, "store")
	if _, err := os.Stat(storePath); err != nil {
		// accept a bare store directory too
		storePath = *dbPath
	}

	db, err := pebble.Open(storePath, &pebble.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", storePath, err)
		os.Exit(1)
	}
	defer db.Close()

	it, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "iterator: %v\n", err)
		os.Exit(1)
	}
	defer it.Close()

	pfx := []byte(prefix)
	printed := 0
	for ok := it.SeekGE(pfx); ok; ok = it.Next() {
		if len(pfx) > 0 && !bytes.HasPrefix(it.Key(), pfx) {
			break
		}
		if *keysOnly {
			fmt.Println(string(it.Key()))
		} else {
			fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		}
		printed++
		if *limit > 0 && printed >= *limit {
			fmt.Fprintf(os.Stderr, "... truncated at %d records (raise --limit)\n", *limit)
			break
		}
	}
	if err := it.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d records\n", printed)
}
