// etcdump inspects and moves data through the etcd HTTP/JSON gateway:
// cluster status, bulk export of a key range, and bulk import of a
// previously exported dump.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"

	"github.com/etcdgw/etcdgw/config"
	"github.com/etcdgw/etcdgw/etcd"
)

// importBatchSize keys per transaction keeps each gateway request well
// under the default grpc message limit.
const importBatchSize = 64

var (
	cfgPath  string
	endpoint string
)

func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if cfgPath != "" {
		var err error
		cfg, err = config.FromFile(cfgPath)
		if err != nil {
			return nil, err
		}
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	return cfg, nil
}

func newClient() (*etcd.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lg, props, err := log.InitLogger(&log.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return etcd.NewClient(cfg)
}

func keySetFromFlags(prefix string) (etcd.KeySet, error) {
	if prefix == "" {
		return etcd.AllKeys(), nil
	}
	return etcd.NewPrefixKeySet([]byte(prefix))
}

// dumpRecord is one exported key-value line. Binary fields are base64 so
// the dump survives any shell or editor.
type dumpRecord struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	ModRevision int64  `json:"mod_revision,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			st, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("version:    %s\n", st.Version)
			fmt.Printf("db size:    %s\n", units.BytesSize(float64(st.DBSize)))
			fmt.Printf("leader:     %x\n", st.Leader)
			fmt.Printf("raft index: %d\n", st.RaftIndex)
			fmt.Printf("raft term:  %d\n", st.RaftTerm)
			if st.Header != nil {
				fmt.Printf("revision:   %d\n", st.Header.Revision)
			}
			return nil
		},
	}
}

func newExportCommand() *cobra.Command {
	var (
		prefix string
		out    string
		format string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a key range as JSON lines or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			ks, err := keySetFromFlags(prefix)
			if err != nil {
				return err
			}
			res, err := c.Get(context.Background(), ks, &etcd.GetOptions{
				SortOrder:  etcd.SortAscend,
				SortTarget: etcd.SortByKey,
			})
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return errors.Trace(err)
				}
				defer f.Close()
				w = f
			}
			switch format {
			case "json":
				return writeJSONDump(w, res.KVs)
			case "csv":
				return writeCSVDump(w, res.KVs)
			}
			return errors.Errorf("unknown format %q, want json or csv", format)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "export only keys with this prefix")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or csv")
	return cmd
}

func writeJSONDump(w io.Writer, kvs []*etcd.KeyValue) error {
	enc := json.NewEncoder(w)
	for _, kv := range kvs {
		rec := dumpRecord{
			Key:         base64.StdEncoding.EncodeToString(kv.Key),
			Value:       base64.StdEncoding.EncodeToString(kv.Value),
			ModRevision: kv.ModRevision,
			Version:     kv.Version,
		}
		if err := enc.Encode(&rec); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func writeCSVDump(w io.Writer, kvs []*etcd.KeyValue) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"key", "value", "mod_revision", "version"}); err != nil {
		return errors.Trace(err)
	}
	for _, kv := range kvs {
		rec := []string{
			base64.StdEncoding.EncodeToString(kv.Key),
			base64.StdEncoding.EncodeToString(kv.Value),
			strconv.FormatInt(kv.ModRevision, 10),
			strconv.FormatInt(kv.Version, 10),
		}
		if err := cw.Write(rec); err != nil {
			return errors.Trace(err)
		}
	}
	cw.Flush()
	return errors.Trace(cw.Error())
}

type importRecord struct {
	key   []byte
	value []byte
}

func newImportCommand() *cobra.Command {
	var (
		in     string
		format string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a dump, writing only keys that differ from the live store",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if in != "" {
				f, err := os.Open(in)
				if err != nil {
					return errors.Trace(err)
				}
				defer f.Close()
				r = f
			}
			var (
				recs []dumpRecord
				err  error
			)
			switch format {
			case "json":
				recs, err = readJSONDump(r)
			case "csv":
				recs, err = readCSVDump(r)
			default:
				return errors.Errorf("unknown format %q, want json or csv", format)
			}
			if err != nil {
				return err
			}
			decoded, err := decodeDump(recs)
			if err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := context.Background()

			// Diff against the live store so an import is idempotent and
			// only changed keys cost a revision.
			changed, skipped, err := diffAgainstLive(ctx, c, decoded)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Printf("would import %d keys (%d unchanged)\n", len(changed), skipped)
				return nil
			}

			imported := 0
			for start := 0; start < len(changed); start += importBatchSize {
				end := start + importBatchSize
				if end > len(changed) {
					end = len(changed)
				}
				var ops []etcd.Op
				for _, rec := range changed[start:end] {
					ops = append(ops, etcd.OpPut(rec.key, rec.value, nil))
				}
				if _, err := c.Submit(ctx, etcd.Txn{Then: ops}); err != nil {
					return errors.Annotatef(err, "batch starting at record %d failed", start)
				}
				imported += len(ops)
			}
			fmt.Printf("imported %d keys (%d unchanged)\n", imported, skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input file (default stdin)")
	cmd.Flags().StringVar(&format, "format", "json", "input format: json or csv")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "diff the dump and report, write nothing")
	return cmd
}

func decodeDump(recs []dumpRecord) ([]importRecord, error) {
	out := make([]importRecord, 0, len(recs))
	for _, rec := range recs {
		key, err := base64.StdEncoding.DecodeString(rec.Key)
		if err != nil {
			return nil, errors.Annotatef(err, "bad key %q", rec.Key)
		}
		if len(key) == 0 {
			return nil, errors.New("dump contains an empty key")
		}
		value, err := base64.StdEncoding.DecodeString(rec.Value)
		if err != nil {
			return nil, errors.Annotatef(err, "bad value for key %q", rec.Key)
		}
		out = append(out, importRecord{key: key, value: value})
	}
	return out, nil
}

func diffAgainstLive(ctx context.Context, c *etcd.Client, recs []importRecord) ([]importRecord, int, error) {
	res, err := c.Get(ctx, etcd.AllKeys(), nil)
	if err != nil {
		return nil, 0, err
	}
	live := make(map[string][]byte, len(res.KVs))
	for _, kv := range res.KVs {
		live[string(kv.Key)] = kv.Value
	}
	var changed []importRecord
	skipped := 0
	for _, rec := range recs {
		if cur, ok := live[string(rec.key)]; ok && bytes.Equal(cur, rec.value) {
			skipped++
			continue
		}
		changed = append(changed, rec)
	}
	return changed, skipped, nil
}

func readCSVDump(r io.Reader) ([]dumpRecord, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var recs []dumpRecord
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == "key" {
			continue
		}
		if len(row) < 2 {
			return nil, errors.Errorf("dump row %d has %d columns, want at least 2", i+1, len(row))
		}
		recs = append(recs, dumpRecord{Key: row[0], Value: row[1]})
	}
	return recs, nil
}

func readJSONDump(r io.Reader) ([]dumpRecord, error) {
	var recs []dumpRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Bytes()
		if len(text) == 0 {
			continue
		}
		var rec dumpRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, errors.Annotatef(err, "dump line %d", line)
		}
		recs = append(recs, rec)
	}
	return recs, errors.Trace(sc.Err())
}

func main() {
	root := &cobra.Command{
		Use:           "etcdump",
		Short:         "Dump and load tool for the etcd HTTP/JSON gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&endpoint, "endpoint", "", "gateway endpoint, overrides the config file")
	root.AddCommand(newStatusCommand(), newExportCommand(), newImportCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
