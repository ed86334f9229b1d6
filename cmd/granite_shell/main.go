// Command granite_shell is an interactive shell over a GraniteDB data
// directory. It opens the engine in-process, so only one shell (or any
// other embedder) may use a data directory at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/granitedb/granite/config"
	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/engine"
	"github.com/granitedb/granite/core/transaction"
	"github.com/granitedb/granite/pkg/logger"
	"github.com/granitedb/granite/pkg/telemetry"
)

const helpText = `Commands:
  create table <name> <col:type[:pk][:null]> ...   e.g. create table users id:int:pk name:text age:int:null
  create index <table> <index> <column>
  insert <table> <value> ...                       one value per column, 'quote values with spaces'
  update <table> <key> <value> ...
  delete <table> <key>
  get <table> <key>
  scan <table>
  range <table> <index|primary> <low> <high>
  begin | commit | rollback
  tables | describe <table>
  checkpoint | status
  help | exit | quit
Types: int, text, float, bool, decimal. NULL is the null literal.`

var completer = readline.NewPrefixCompleter(
	readline.PcItem("create",
		readline.PcItem("table"),
		readline.PcItem("index"),
	),
	readline.PcItem("insert"),
	readline.PcItem("update"),
	readline.PcItem("delete"),
	readline.PcItem("get"),
	readline.PcItem("scan"),
	readline.PcItem("range"),
	readline.PcItem("begin"),
	readline.PcItem("commit"),
	readline.PcItem("rollback"),
	readline.PcItem("tables"),
	readline.PcItem("describe"),
	readline.PcItem("checkpoint"),
	readline.PcItem("status"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func main() {
	configPath := flag.String("config", "", "path to a granite.ini config file")
	dataDir := flag.String("data", "", "data directory (overrides the config file)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			zlog.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	eng, err := engine.Open(cfg, zlog, tel.Meter)
	if err != nil {
		zlog.Fatal("Failed to open engine", zap.Error(err))
	}
	defer func() {
		if err := eng.Close(); err != nil {
			zlog.Error("Engine close failed", zap.Error(err))
		}
	}()

	sh := &shell{eng: eng, ctx: context.Background(), out: os.Stdout}

	// One-shot mode: arguments form a single command.
	if args := flag.Args(); len(args) > 0 {
		sh.dispatch(strings.Join(args, " "))
		sh.endSession()
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "granite> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".granite_shell_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		zlog.Fatal("Failed to initialize readline", zap.Error(err))
	}
	defer rl.Close()

	fmt.Fprintf(sh.out, "GraniteDB shell. Data directory %s. Type 'help' for commands.\n", cfg.Engine.DataDir)
	for {
		if sh.txn != nil {
			rl.SetPrompt("granite*> ")
		} else {
			rl.SetPrompt("granite> ")
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if exit := sh.dispatch(line); exit {
			break
		}
	}
	sh.endSession()
}

// shell holds one interactive session: the engine and the explicit
// transaction opened by begin, if any.
type shell struct {
	eng *engine.Engine
	ctx context.Context
	txn *transaction.Transaction
	out io.Writer
}

// endSession rolls back a transaction the user left open.
func (s *shell) endSession() {
	if s.txn == nil {
		return
	}
	if err := s.eng.Rollback(s.ctx, s.txn); err != nil {
		fmt.Fprintf(s.out, "Error: rolling back open transaction: %v\n", err)
	} else {
		fmt.Fprintln(s.out, "Rolled back open transaction.")
	}
	s.txn = nil
}

// withTxn runs fn in the session's explicit transaction, or in a fresh one
// committed on success. A lock-timeout abort has already ended the
// transaction inside the engine, so only still-active ones roll back here.
func (s *shell) withTxn(fn func(txn *transaction.Transaction) error) error {
	if s.txn != nil {
		err := fn(s.txn)
		if s.txn.State() != transaction.StateActive {
			s.txn = nil
		}
		return err
	}
	txn, err := s.eng.Begin(s.ctx)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		if txn.State() == transaction.StateActive {
			if rbErr := s.eng.Rollback(s.ctx, txn); rbErr != nil {
				fmt.Fprintf(s.out, "Error: rollback failed: %v\n", rbErr)
			}
		}
		return err
	}
	return s.eng.Commit(s.ctx, txn)
}

// dispatch runs one command line, reporting whether the shell should exit.
func (s *shell) dispatch(line string) bool {
	args, err := splitArgs(line)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return false
	}
	if len(args) == 0 {
		return false
	}

	switch strings.ToLower(args[0]) {
	case "create":
		err = s.create(args[1:])
	case "insert":
		err = s.insert(args[1:])
	case "update":
		err = s.update(args[1:])
	case "delete":
		err = s.del(args[1:])
	case "get":
		err = s.get(args[1:])
	case "scan":
		err = s.scan(args[1:])
	case "range":
		err = s.rangeScan(args[1:])
	case "begin":
		err = s.begin()
	case "commit":
		err = s.commit()
	case "rollback":
		err = s.rollback()
	case "tables":
		err = s.tables()
	case "describe":
		err = s.describe(args[1:])
	case "checkpoint":
		err = s.checkpoint()
	case "status":
		err = s.status()
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "exit", "quit":
		return true
	default:
		fmt.Fprintf(s.out, "Error: unknown command %q. Type 'help' for a list of commands.\n", args[0])
	}
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

func (s *shell) create(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("create requires 'table' or 'index'")
	}
	switch strings.ToLower(args[0]) {
	case "table":
		if len(args) < 3 {
			return fmt.Errorf("usage: create table <name> <col:type[:pk][:null]> ...")
		}
		schema, err := parseSchema(args[2:])
		if err != nil {
			return err
		}
		if err := s.eng.CreateTable(s.ctx, args[1], schema); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Table %s created.\n", args[1])
		return nil
	case "index":
		if len(args) != 4 {
			return fmt.Errorf("usage: create index <table> <index> <column>")
		}
		if err := s.eng.CreateIndex(s.ctx, args[1], args[2], args[3]); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Index %s created on %s(%s).\n", args[2], args[1], args[3])
		return nil
	default:
		return fmt.Errorf("unknown create target %q", args[0])
	}
}

func (s *shell) insert(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: insert <table> <value> ...")
	}
	row, err := s.parseRow(args[0], args[1:])
	if err != nil {
		return err
	}
	if err := s.withTxn(func(txn *transaction.Transaction) error {
		return s.eng.Insert(s.ctx, txn, args[0], row)
	}); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "1 row inserted.")
	return nil
}

func (s *shell) update(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: update <table> <key> <value> ...")
	}
	key, err := s.parseKey(args[0], args[1])
	if err != nil {
		return err
	}
	row, err := s.parseRow(args[0], args[2:])
	if err != nil {
		return err
	}
	if err := s.withTxn(func(txn *transaction.Transaction) error {
		return s.eng.Update(s.ctx, txn, args[0], key, row)
	}); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "1 row updated.")
	return nil
}

func (s *shell) del(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: delete <table> <key>")
	}
	key, err := s.parseKey(args[0], args[1])
	if err != nil {
		return err
	}
	if err := s.withTxn(func(txn *transaction.Transaction) error {
		return s.eng.Delete(s.ctx, txn, args[0], key)
	}); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "1 row deleted.")
	return nil
}

func (s *shell) get(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <table> <key>")
	}
	key, err := s.parseKey(args[0], args[1])
	if err != nil {
		return err
	}
	meta, err := s.eng.Describe(args[0])
	if err != nil {
		return err
	}
	var row []catalog.Value
	var found bool
	if err := s.withTxn(func(txn *transaction.Transaction) error {
		var gerr error
		row, found, gerr = s.eng.Get(s.ctx, txn, args[0], key)
		return gerr
	}); err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(s.out, "Not found.")
		return nil
	}
	s.printRows(meta.Schema, [][]catalog.Value{row})
	return nil
}

func (s *shell) scan(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scan <table>")
	}
	meta, err := s.eng.Describe(args[0])
	if err != nil {
		return err
	}
	var rows [][]catalog.Value
	if err := s.withTxn(func(txn *transaction.Transaction) error {
		it, err := s.eng.Scan(s.ctx, txn, args[0])
		if err != nil {
			return err
		}
		defer it.Close()
		for {
			row, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			rows = append(rows, row)
		}
	}); err != nil {
		return err
	}
	s.printRows(meta.Schema, rows)
	return nil
}

func (s *shell) rangeScan(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: range <table> <index|primary> <low> <high>")
	}
	meta, err := s.eng.Describe(args[0])
	if err != nil {
		return err
	}
	indexName := args[1]
	col, err := indexedColumn(meta, indexName)
	if err != nil {
		return err
	}
	low, err := catalog.ParseValue(col.Type, args[2])
	if err != nil {
		return err
	}
	high, err := catalog.ParseValue(col.Type, args[3])
	if err != nil {
		return err
	}
	var rows [][]catalog.Value
	if err := s.withTxn(func(txn *transaction.Transaction) error {
		it, err := s.eng.RangeScan(s.ctx, txn, args[0], indexName, low, high)
		if err != nil {
			return err
		}
		defer it.Close()
		for {
			row, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			rows = append(rows, row)
		}
	}); err != nil {
		return err
	}
	s.printRows(meta.Schema, rows)
	return nil
}

func (s *shell) begin() error {
	if s.txn != nil {
		return fmt.Errorf("transaction %d is already open", s.txn.TxnID())
	}
	txn, err := s.eng.Begin(s.ctx)
	if err != nil {
		return err
	}
	s.txn = txn
	fmt.Fprintf(s.out, "Transaction %d started.\n", txn.TxnID())
	return nil
}

func (s *shell) commit() error {
	if s.txn == nil {
		return fmt.Errorf("no open transaction")
	}
	err := s.eng.Commit(s.ctx, s.txn)
	if err == nil || s.txn.State() != transaction.StateActive {
		s.txn = nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Committed.")
	return nil
}

func (s *shell) rollback() error {
	if s.txn == nil {
		return fmt.Errorf("no open transaction")
	}
	err := s.eng.Rollback(s.ctx, s.txn)
	s.txn = nil
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Rolled back.")
	return nil
}

func (s *shell) tables() error {
	names, err := s.eng.Tables()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(s.out, "No tables.")
		return nil
	}
	rows := make([][]string, len(names))
	for i, name := range names {
		rows[i] = []string{name}
	}
	printResultTable(s.out, []string{"table"}, rows)
	return nil
}

func (s *shell) describe(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: describe <table>")
	}
	meta, err := s.eng.Describe(args[0])
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(meta.Schema.Columns))
	for _, col := range meta.Schema.Columns {
		var attrs []string
		if col.PrimaryKey {
			attrs = append(attrs, "primary key")
		}
		if col.Nullable {
			attrs = append(attrs, "nullable")
		}
		rows = append(rows, []string{col.Name, col.Type.String(), strings.Join(attrs, ", ")})
	}
	printResultTable(s.out, []string{"column", "type", "attributes"}, rows)
	for _, sec := range meta.Secondary {
		fmt.Fprintf(s.out, "Index %s on (%s)\n", sec.Name, sec.Column)
	}
	return nil
}

func (s *shell) checkpoint() error {
	if err := s.eng.Checkpoint(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Checkpoint complete.")
	return nil
}

func (s *shell) status() error {
	st, err := s.eng.Status()
	if err != nil {
		return err
	}
	rows := [][]string{
		{"run_id", st.RunID},
		{"data_dir", st.DataDir},
		{"tables", fmt.Sprintf("%d", len(st.Tables))},
		{"active_txns", fmt.Sprintf("%d", st.ActiveTxns)},
		{"current_lsn", fmt.Sprintf("%d", uint64(st.CurrentLSN))},
		{"flushed_lsn", fmt.Sprintf("%d", uint64(st.FlushedLSN))},
		{"checkpoint_lsn", fmt.Sprintf("%d", uint64(st.CheckpointLSN))},
	}
	printResultTable(s.out, []string{"field", "value"}, rows)
	return nil
}

// parseRow parses one literal per column of the table's schema.
func (s *shell) parseRow(tableName string, literals []string) ([]catalog.Value, error) {
	meta, err := s.eng.Describe(tableName)
	if err != nil {
		return nil, err
	}
	cols := meta.Schema.Columns
	if len(literals) != len(cols) {
		return nil, fmt.Errorf("table %s has %d columns, got %d values", tableName, len(cols), len(literals))
	}
	row := make([]catalog.Value, len(cols))
	for i, lit := range literals {
		v, err := catalog.ParseValue(cols[i].Type, lit)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cols[i].Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// parseKey parses a literal as the table's primary key type.
func (s *shell) parseKey(tableName, literal string) (catalog.Value, error) {
	meta, err := s.eng.Describe(tableName)
	if err != nil {
		return catalog.Value{}, err
	}
	pk := meta.Schema.Columns[meta.Schema.PrimaryKeyIndex()]
	return catalog.ParseValue(pk.Type, literal)
}

func (s *shell) printRows(schema catalog.Schema, rows [][]catalog.Value) {
	if len(rows) == 0 {
		fmt.Fprintln(s.out, "0 rows.")
		return
	}
	columns := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		columns[i] = col.Name
	}
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(row))
		for j, v := range row {
			cells[i][j] = v.String()
		}
	}
	printResultTable(s.out, columns, cells)
	fmt.Fprintf(s.out, "%d row(s).\n", len(rows))
}

// parseSchema parses col:type[:pk][:null] tokens into a schema.
func parseSchema(tokens []string) (catalog.Schema, error) {
	cols := make([]catalog.Column, 0, len(tokens))
	for _, tok := range tokens {
		parts := strings.Split(tok, ":")
		if len(parts) < 2 {
			return catalog.Schema{}, fmt.Errorf("column %q: want name:type[:pk][:null]", tok)
		}
		typ, err := catalog.ParseType(parts[1])
		if err != nil {
			return catalog.Schema{}, err
		}
		col := catalog.Column{Name: parts[0], Type: typ}
		for _, attr := range parts[2:] {
			switch strings.ToLower(attr) {
			case "pk", "primary":
				col.PrimaryKey = true
			case "null", "nullable":
				col.Nullable = true
			default:
				return catalog.Schema{}, fmt.Errorf("column %q: unknown attribute %q", parts[0], attr)
			}
		}
		cols = append(cols, col)
	}
	return catalog.Schema{Columns: cols}, nil
}

// indexedColumn resolves the column an index covers. The primary key index
// answers to "primary" or the empty string.
func indexedColumn(meta catalog.TableMeta, indexName string) (catalog.Column, error) {
	if indexName == "" || strings.EqualFold(indexName, "primary") {
		return meta.Schema.Columns[meta.Schema.PrimaryKeyIndex()], nil
	}
	sec, ok := meta.SecondaryByName(indexName)
	if !ok {
		return catalog.Column{}, fmt.Errorf("table %s has no index %q", meta.Name, indexName)
	}
	return meta.Schema.Columns[meta.Schema.ColumnIndex(sec.Column)], nil
}

// splitArgs splits a command line into words, keeping single-quoted
// substrings together: insert users 1 'Grace Hopper' yields three arguments.
func splitArgs(line string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inQuote := false
	hasCur := false
	for _, r := range line {
		switch {
		case r == '\'':
			inQuote = !inQuote
			hasCur = true
		case !inQuote && (r == ' ' || r == '\t'):
			if hasCur {
				args = append(args, cur.String())
				cur.Reset()
				hasCur = false
			}
		default:
			cur.WriteRune(r)
			hasCur = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	if hasCur {
		args = append(args, cur.String())
	}
	return args, nil
}

// printResultTable renders rows in the classic box format:
//
//	+----+-------+
//	| id | name  |
//	+----+-------+
func printResultTable(out io.Writer, columns []string, rows [][]string) {
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printSeparator(out, widths)
	fmt.Fprint(out, "|")
	for i, col := range columns {
		fmt.Fprintf(out, " %-*s |", widths[i], col)
	}
	fmt.Fprintln(out)
	printSeparator(out, widths)
	for _, row := range rows {
		fmt.Fprint(out, "|")
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(out, " %-*s |", widths[i], cell)
			}
		}
		fmt.Fprintln(out)
	}
	printSeparator(out, widths)
}

func printSeparator(out io.Writer, widths []int) {
	fmt.Fprint(out, "+")
	for _, w := range widths {
		fmt.Fprint(out, strings.Repeat("-", w+2), "+")
	}
	fmt.Fprintln(out)
}
