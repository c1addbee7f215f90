// scanbench runs scans or reductions of random arrays on an emulated
// device, checks them against a sequential scan, and reports their
// device and wall-clock times.
//
//	scanbench -n=1000,1000000 -op=add -type=float32 -reps=10 -config=threads=128,elements=4
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/exascience/parscan"
	"github.com/exascience/parscan/device"
	"github.com/exascience/parscan/ops"
	"github.com/exascience/parscan/parallel"
	"github.com/exascience/parscan/sequential"
	"github.com/exascience/parscan/speculative"
)

var (
	flagSizes       = flag.String("n", "1000,100000,1000000", "Comma-separated array lengths.")
	flagOp          = flag.String("op", "add", "Operator: add, mul, min or max.")
	flagType        = flag.String("type", "float32", "Element type: int32, int64, float32 or float64.")
	flagReps        = flag.Int("reps", 5, "Repetitions per array length.")
	flagConfig      = flag.String("config", "", "Context configuration, see parscan.ParseConfig. Defaults to $"+parscan.ConfigEnvVar+".")
	flagReduce      = flag.Bool("reduce", false, "Reduce instead of scan.")
	flagParallelism = flag.Int("parallelism", 0, "Batches the groups of a dispatch are split into, 0 for a default.")
	flagSeed        = flag.Uint64("seed", 42, "Random seed.")
)

type result struct {
	n          int
	levels     int
	dispatches int
	device     time.Duration
	wall       time.Duration
	ok         bool
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	sizes := must.M1(parseSizes(*flagSizes))
	must.M(checkReps(*flagReps))
	d := device.New(device.WithParallelism(*flagParallelism))
	var options []parscan.Option
	if *flagConfig != "" {
		options = append(options, parscan.WithConfigString(*flagConfig))
	}
	c := must.M1(parscan.NewContext(d, options...))

	var results []result
	var err error
	switch *flagType {
	case "int32":
		results, err = benchAll[int32](c, sizes)
	case "int64":
		results, err = benchAll[int64](c, sizes)
	case "float32":
		results, err = benchAll[float32](c, sizes)
	case "float64":
		results, err = benchAll[float64](c, sizes)
	default:
		err = errors.Errorf("unknown element type %q", *flagType)
	}
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	must.M(c.Close(context.Background()))

	fmt.Println(report(c, results))
	for _, r := range results {
		if !r.ok {
			os.Exit(1)
		}
	}
}

func parseSizes(list string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, errors.Errorf("invalid array length %q", part)
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, errors.New("no array lengths given")
	}
	return sizes, nil
}

func checkReps(reps int) error {
	if reps < 1 {
		return errors.Errorf("invalid number of repetitions %d, need at least 1", reps)
	}
	return nil
}

func operator[T ops.Number](name string) (*parscan.Operator[T], error) {
	switch name {
	case "add":
		return ops.Sum[T](), nil
	case "mul":
		return ops.Product[T](), nil
	case "min":
		return ops.Min[T](), nil
	case "max":
		return ops.Max[T](), nil
	}
	return nil, errors.Errorf("unknown operator %q", name)
}

func benchAll[T ops.Number](c *parscan.Context, sizes []int) ([]result, error) {
	op, err := operator[T](*flagOp)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(*flagSeed, uint64(len(sizes))))
	bar := progressbar.NewOptions(len(sizes)**flagReps,
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s %s", modeName(), *flagOp, *flagType)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	defer func() { _ = bar.Finish() }()

	results := make([]result, 0, len(sizes))
	for _, n := range sizes {
		input := make([]T, n)
		for i := range input {
			input[i] = randomElement[T](rng, *flagOp)
		}
		r, err := bench(c, op, input, bar)
		if err != nil {
			return nil, errors.WithMessagef(err, "n=%d", n)
		}
		results = append(results, r)
	}
	return results, nil
}

func randomElement[T ops.Number](rng *rand.Rand, op string) T {
	if op == "mul" {
		// Keep products away from overflow and underflow.
		if T(1)/2 != 0 {
			return T(0.5 + rng.Float64())
		}
		return T(1 + rng.IntN(2))
	}
	return T(rng.IntN(100))
}

func modeName() string {
	if *flagReduce {
		return "reduce"
	}
	return "scan"
}

func bench[T ops.Number](c *parscan.Context, op *parscan.Operator[T], input []T, bar *progressbar.ProgressBar) (result, error) {
	ctx := context.Background()
	r := result{n: len(input), ok: true}
	want := sequential.ExclusiveScan(input, op.Combine, op.Identity())
	wantReduce := parallel.RangeReduce(0, len(input), 0, func(low, high int) T {
		return sequential.Reduce(input[low:high], op.Combine, op.Identity())
	}, op.Combine)

	for rep := 0; rep < *flagReps; rep++ {
		buf, err := device.FromSlice(c.Device(), input, device.ReadWrite)
		if err != nil {
			return r, err
		}
		var timing *parscan.Timing
		onTiming := parscan.WithTiming(func(t *parscan.Timing) { timing = t })
		start := time.Now()
		var got []T
		if *flagReduce {
			var res *device.Buffer[T]
			if res, err = parscan.Reduce(c, buf, op, onTiming); err == nil {
				got, err = res.Read(ctx)
				res.Release()
			}
		} else if _, err = parscan.Scan(c, buf, op, onTiming); err == nil {
			got, err = buf.Read(ctx)
		}
		wall := time.Since(start)
		buf.Release()
		if err != nil {
			return r, err
		}
		elapsed, err := timing.Wait(ctx)
		if err != nil {
			return r, err
		}
		r.levels, r.dispatches = timing.Levels, timing.Dispatches
		r.device += elapsed
		r.wall += wall

		if *flagReduce {
			r.ok = r.ok && matches([]T{wantReduce}, got)
		} else {
			r.ok = r.ok && matches(want, got)
		}
		_ = bar.Add(1)
	}
	r.device /= time.Duration(*flagReps)
	r.wall /= time.Duration(*flagReps)
	return r, nil
}

// matches compares exactly, or within a relative tolerance for
// floating-point elements, whose sums depend on the combination order.
func matches[T ops.Number](want, got []T) bool {
	if len(want) != len(got) {
		return false
	}
	if T(1)/2 == 0 {
		return speculative.Equal(want, got, func(x, y T) bool { return x == y })
	}
	w, g := make([]float64, len(want)), make([]float64, len(got))
	for i := range want {
		w[i], g[i] = float64(want[i]), float64(got[i])
	}
	return floats.EqualApprox(w, g, 1e-3)
}

func report(c *parscan.Context, results []result) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Elements", "Levels", "Dispatches", "Device time", "Wall time", "Elements/s", "Check")
	for _, r := range results {
		check := "ok"
		if !r.ok {
			check = "MISMATCH"
		}
		var rate string
		if r.device > 0 {
			rate = humanize.SIWithDigits(float64(r.n)/r.device.Seconds(), 2, "")
		}
		table.Row(
			humanize.Comma(int64(r.n)),
			strconv.Itoa(r.levels),
			strconv.Itoa(r.dispatches),
			r.device.String(),
			r.wall.String(),
			rate,
			check,
		)
	}
	stats := c.Device().Stats()
	return fmt.Sprintf("%s %s of %s with %s on %s\n%s\n%d kernels compiled, peak device memory %s",
		modeName(), *flagOp, *flagType, c.Config(), c.Device(), table.String(),
		stats.Compilations, humanize.IBytes(uint64(stats.PeakBytes)))
}
