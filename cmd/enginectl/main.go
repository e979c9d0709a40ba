// enginectl drives a local engine instance from the terminal: compile and
// run queries, execute operations, undo/redo, and sync providers. It wires
// an in-memory task provider and, when --blocks-dir is given, a
// directory-backed block provider, so every engine surface is reachable
// without external services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/syncstore/engine/pkg/cache"
	"github.com/syncstore/engine/pkg/config"
	"github.com/syncstore/engine/pkg/coordinator"
	"github.com/syncstore/engine/pkg/logger"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/query"
	"github.com/syncstore/engine/pkg/value"
	"github.com/syncstore/engine/providers/filesystem"
	"github.com/syncstore/engine/providers/memory"
)

var (
	dbPath    string
	blocksDir string
	paramArgs []string
)

func main() {
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Local-first knowledge store engine control",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", ":memory:", "database path")
	root.PersistentFlags().StringVar(&blocksDir, "blocks-dir", "", "directory for the filesystem block provider")

	queryCmd := &cobra.Command{
		Use:   "query <source.json|->",
		Short: "Compile and execute a declarative query",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}

	execCmd := &cobra.Command{
		Use:   "exec <entity> <op>",
		Short: "Execute an operation",
		Args:  cobra.ExactArgs(2),
		RunE:  runExec,
	}
	execCmd.Flags().StringArrayVarP(&paramArgs, "param", "p", nil, "operation parameter as key=value")

	undoCmd := &cobra.Command{
		Use:   "undo",
		Short: "Undo the most recent reversible operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *coordinator.Engine) error {
				_, err := eng.Undo(ctx)
				if err != nil {
					return err
				}
				color.Green("undone")
				return nil
			})
		},
	}

	redoCmd := &cobra.Command{
		Use:   "redo",
		Short: "Redo the most recently undone operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *coordinator.Engine) error {
				_, err := eng.Redo(ctx)
				if err != nil {
					return err
				}
				color.Green("redone")
				return nil
			})
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync <provider>",
		Short: "Sync a provider from its stored position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *coordinator.Engine) error {
				pos, err := eng.Sync(ctx, args[0])
				if err != nil {
					return err
				}
				color.Green("synced %s to %s", args[0], pos.Encode())
				return nil
			})
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch <source.json|->",
		Short: "Watch a query's result set live",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}

	opsCmd := &cobra.Command{
		Use:   "ops <entity>",
		Short: "List the operations available for an entity",
		Args:  cobra.ExactArgs(1),
		RunE:  runOps,
	}

	root.AddCommand(queryCmd, execCmd, undoCmd, redoCmd, syncCmd, watchCmd, opsCmd)

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

// withEngine boots a coordinator over the configured database, wires the
// demo providers and their caches, runs fn, and shuts down.
func withEngine(ctx context.Context, fn func(context.Context, *coordinator.Engine) error) error {
	cfg := config.New()
	cfg.Update(map[string]string{"storage.path": dbPath})
	log := logger.New("enginectl")

	eng := coordinator.NewEngine(cfg)
	eng.SetLogger(log)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop(ctx)

	tasks, err := memory.New("todo", log)
	if err != nil {
		return err
	}
	if err := eng.Backend().RegisterSchema(ctx, tasks.Schema()); err != nil {
		return err
	}
	eng.AddProvider(memory.EntityName, tasks)
	eng.AddSyncable(tasks)
	eng.Registry().Register(memory.EntityName, tasks.Operations()...)

	taskCache := cache.New[memory.Task](eng.Backend(), tasks.Schema(), memory.TaskCodec{}, log)
	taskStream, taskSub := tasks.SubscribeChanges()
	defer taskSub.Unsubscribe()
	taskCache.Ingest(ctx, taskStream)
	defer taskCache.Stop()

	if blocksDir != "" {
		blocks, err := filesystem.New("fsblocks", blocksDir, log)
		if err != nil {
			return err
		}
		defer blocks.Close()
		if err := eng.Backend().RegisterSchema(ctx, blocks.Schema()); err != nil {
			return err
		}
		eng.AddProvider(filesystem.EntityName, blocks)
		eng.AddSyncable(blocks)
		eng.Registry().Register(filesystem.EntityName, blocks.Operations()...)

		blockCache := cache.New[filesystem.Block](eng.Backend(), blocks.Schema(), filesystem.BlockCodec{}, log)
		blockStream, blockSub := blocks.SubscribeChanges()
		defer blockSub.Unsubscribe()
		blockCache.Ingest(ctx, blockStream)
		defer blockCache.Stop()
	}

	eng.Registry().Freeze()
	return fn(ctx, eng)
}

func readSource(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	if strings.HasPrefix(strings.TrimSpace(arg), "{") {
		return []byte(arg), nil
	}
	return os.ReadFile(arg)
}

func runQuery(cmd *cobra.Command, args []string) error {
	source, err := readSource(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(ctx context.Context, eng *coordinator.Engine) error {
		compiled, err := eng.CompileQuery(source)
		if err != nil {
			return err
		}
		if _, err := eng.Sync(ctx, "todo"); err != nil {
			return err
		}
		// The snapshot lands through the cache's async ingest task.
		time.Sleep(200 * time.Millisecond)
		rows, err := eng.ExecuteQuery(ctx, compiled.SQL)
		if err != nil {
			return err
		}
		printRows(rows)
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	source, err := readSource(args[0])
	if err != nil {
		return err
	}
	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	return withEngine(ctx, func(ctx context.Context, eng *coordinator.Engine) error {
		compiled, err := eng.CompileQuery(source)
		if err != nil {
			return err
		}
		deltas, stop, err := eng.WatchQuery(ctx, compiled)
		if err != nil {
			return err
		}
		defer stop()
		if _, err := eng.Sync(ctx, "todo"); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case delta, ok := <-deltas:
				if !ok {
					return nil
				}
				if delta.Err != nil {
					color.Yellow("watch: %v", delta.Err)
					continue
				}
				for _, r := range delta.Added {
					color.Green("+ %s", rowLine(r))
				}
				for _, r := range delta.Updated {
					color.Cyan("~ %s", rowLine(r))
				}
				for _, r := range delta.Removed {
					color.Red("- %s", rowLine(r))
				}
			}
		}
	})
}

func runExec(cmd *cobra.Command, args []string) error {
	params := make(map[string]value.Value, len(paramArgs))
	for _, raw := range paramArgs {
		key, val, found := strings.Cut(raw, "=")
		if !found {
			return fmt.Errorf("malformed --param %q, want key=value", raw)
		}
		params[key] = guessValue(val)
	}
	return withEngine(cmd.Context(), func(ctx context.Context, eng *coordinator.Engine) error {
		op := operation.New(args[0], args[1], args[1], params)
		action, err := eng.ExecuteOperation(ctx, op)
		if err != nil {
			return err
		}
		if action.IsIrreversible() {
			color.Yellow("done (irreversible)")
		} else {
			color.Green("done, undo available: %s.%s", action.Inverse.EntityName, action.Inverse.OpName)
		}
		return nil
	})
}

func runOps(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(ctx context.Context, eng *coordinator.Engine) error {
		descriptors := eng.Dispatcher().OperationsFor(args[0], allArgs())
		if len(descriptors) == 0 {
			color.Yellow("no operations for %s", args[0])
			return nil
		}
		for _, d := range descriptors {
			var params []string
			for _, p := range d.RequiredParams {
				params = append(params, p.Name)
			}
			fmt.Printf("%s  %s(%s)\n", color.GreenString("%-16s", d.Name), d.DisplayName, strings.Join(params, ", "))
		}
		return nil
	})
}

// allArgs marks every parameter as available so runOps lists the full
// descriptor set rather than the subset valid for a specific widget.
func allArgs() map[string]struct{} {
	args := make(map[string]struct{})
	for _, name := range []string{"id", "field", "value", "new_parent_id", "after", "parent_id", "name",
		"content", "completed", "priority", "due_date", "sort_key", "depth"} {
		args[name] = struct{}{}
	}
	return args
}

func guessValue(raw string) value.Value {
	switch raw {
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	case "null":
		return value.Null()
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return value.Int64(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return value.Float64(f)
	}
	return value.String(raw)
}

func printRows(rows []query.Row) {
	if len(rows) == 0 {
		color.Yellow("no rows")
		return
	}
	for _, r := range rows {
		fmt.Println(rowLine(r))
	}
	color.White("%d row(s)", len(rows))
}

func rowLine(r query.Row) string {
	payload := make(map[string]interface{}, len(r.Values))
	for k, v := range r.Values {
		payload[k] = flatten(v)
	}
	raw, _ := json.Marshal(payload)
	entity := r.EntityName
	if entity == "" {
		entity = "?"
	}
	origin := ""
	if r.Origin != nil {
		origin = " [" + r.Origin.Source.String() + "]"
	}
	return fmt.Sprintf("%s%s %s", color.CyanString(entity), origin, raw)
}

func flatten(v value.Value) interface{} {
	if b, ok := v.AsBool(); ok {
		return b
	}
	if n, ok := v.AsInt64(); ok {
		return n
	}
	if f, ok := v.AsFloat64(); ok {
		return f
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	if t, ok := v.AsDateTime(); ok {
		return t
	}
	if raw, ok := v.AsJSON(); ok {
		return json.RawMessage(raw)
	}
	if r, ok := v.AsReference(); ok {
		return r
	}
	return nil
}
