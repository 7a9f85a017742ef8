package vars

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dVar/cmd/util"
	"github.com/ValentinKolb/dVar/lib/manager"
	"github.com/ValentinKolb/dVar/lib/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the variable service",
		PreRunE: processPerfConfig,
		RunE:    withManager(runPerf),
	}
	perfKeyPrefix  = "__perf"
	perfNumThreads = 10
	perfKeySpread  = 100
	perfSkip       = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// benchmark is one named workload against the service
type benchmark struct {
	name    string
	prepare bool // set all keys before the run
	op      func(ctx context.Context, svc *service.Service, key string, i int)
}

var benchmarks = []benchmark{
	{name: "set", op: func(_ context.Context, svc *service.Service, key string, _ int) {
		svc.SetVariable(key, "test", nil)
	}},
	{name: "get", prepare: true, op: func(_ context.Context, svc *service.Service, key string, _ int) {
		svc.Get(key)
	}},
	{name: "sync-get", prepare: true, op: func(ctx context.Context, svc *service.Service, key string, _ int) {
		svc.GetSynchronizedValue(ctx, key)
	}},
	{name: "add", op: func(_ context.Context, svc *service.Service, key string, _ int) {
		if _, err := svc.AddVariable(key, "1", nil); err != nil {
			fmt.Printf("(add) - error adding to key: %v\n", err)
		}
	}},
	{name: "delete", prepare: true, op: func(_ context.Context, svc *service.Service, key string, _ int) {
		svc.DeleteVariable(key, nil)
	}},
	{name: "mixed", prepare: true, op: func(ctx context.Context, svc *service.Service, key string, i int) {
		switch i % 4 {
		case 0:
			svc.SetVariable(key, "test", nil)
		case 1:
			svc.Get(key)
		case 2:
			_, _ = svc.AddVariable(key, "1", nil)
		case 3:
			svc.GetSynchronizedValue(ctx, key)
		}
	}},
}

func runPerf(ctx context.Context, m *manager.Manager, cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	svc := m.Service()

	fmt.Fprintln(out, "Performance testing tool for the variable service")
	fmt.Fprintf(out, "Storage: %s\nThreads: %d\nKeys: %d\n\n", m.StorageType(), perfNumThreads, perfKeySpread)
	fmt.Fprintln(out, "starting tests...")

	results := make(map[string]testing.BenchmarkResult)

	for _, bm := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}

			getKey, iter := getKeys(bm.name)
			if bm.prepare {
				iter(func(k string) { svc.SetVariable(k, "1", nil) })
			}
			b.Cleanup(func() {
				iter(func(k string) { svc.DeleteVariable(k, nil) })
			})

			b.SetParallelism(perfNumThreads)
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					bm.op(ctx, svc, getKey(counter), counter)
					counter++
				}
			})
		})
		results[bm.name] = result
		printResult(cmd, bm.name, result)
	}

	// the write-behind cost shows up in the queue, not in the numbers above
	start := time.Now()
	if err := m.Flush(ctx); err != nil {
		return fmt.Errorf("final flush failed: %w", err)
	}
	stats := m.QueueStats()
	fmt.Fprintf(out, "\nfinal flush took %v\n", time.Since(start))
	fmt.Fprintf(out, "queue: %d flushes, %d written, %d failed, %d skipped, latency mean %v p99 %v max %v\n",
		stats.Flushes, stats.Written, stats.Failed, stats.Skipped, stats.LatencyMean, stats.LatencyP99, stats.LatencyMax)

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Fprintf(out, "\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, string(m.StorageType())); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Fprintln(out, "Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s_%s_%d", perfKeyPrefix, prefix, i)
	}

	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// opsPerSecond returns ns/op and op/s, both 0 for a skipped benchmark
func opsPerSecond(result testing.BenchmarkResult) (float64, float64) {
	if result.NsPerOp() == 0 {
		return 0, 0
	}
	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	return nsPerOp, 1.0 / (nsPerOp / 1e9)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(cmd *cobra.Command, test string, result testing.BenchmarkResult) {
	nsPerOp, opsPerSec := opsPerSecond(result)
	if nsPerOp == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%-20sskipped\n", test)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, storage string) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped", "Storage", "Threads", "Keys Count"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, bm := range benchmarks {
		result, ok := results[bm.name]
		if !ok {
			continue
		}
		nsPerOp, opsPerSec := opsPerSecond(result)
		row := []string{
			bm.name,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatBool(nsPerOp == 0),
			storage,
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", bm.name, err)
		}
	}

	writer.Flush()
	return writer.Error()
}
