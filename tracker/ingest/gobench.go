package ingest

import (
	"fmt"
	"io"
	"regexp"
	"strconv"

	"golang.org/x/perf/benchfmt"

	"github.com/bench-history/tracker/stats"
	"github.com/bench-history/tracker/types"
)

var procsSuffix = regexp.MustCompile(`-(\d+)$`)

type goBenchSample struct {
	name   string
	unit   string
	values []float64
	iters  uint
	procs  uint
}

// ParseGoBench reads raw `go test -bench` output. The first unit of a line keeps
// the benchmark name, further units become "<name> - <unit>". Repeated lines
// from -count=N are folded into their median with the iterations summed.
func ParseGoBench(r io.Reader, meta Meta) (*HarnessResult, error) {
	reader := benchfmt.NewReader(r, "go-test-bench")

	var (
		order   []string
		samples = make(map[string]*goBenchSample)
	)
	for reader.Scan() {
		switch rec := reader.Result().(type) {
		case *benchfmt.SyntaxError:
			return nil, &types.MalformedInputError{Field: "line " + strconv.Itoa(rec.Line), Reason: rec.Msg}
		case *benchfmt.Result:
			name, procs := splitProcs("Benchmark" + string(rec.Name))
			for i, v := range rec.Values {
				value, unit := v.Value, v.Unit
				if v.OrigUnit != "" {
					value, unit = v.OrigValue, v.OrigUnit
				}
				metric := name
				if i > 0 {
					metric = fmt.Sprintf("%s - %s", name, unit)
				}

				s, ok := samples[metric]
				if !ok {
					s = &goBenchSample{name: metric, unit: unit, procs: procs}
					samples[metric] = s
					order = append(order, metric)
				}
				s.values = append(s.values, value)
				s.iters += uint(rec.Iters)
			}
		}
	}
	if err := reader.Err(); err != nil {
		return nil, &types.MalformedInputError{Reason: "could not be read", Err: err}
	}
	if len(order) == 0 {
		return nil, &types.MalformedInputError{Field: "benches", Reason: "no benchmark results found"}
	}

	result := &HarnessResult{Metrics: make([]types.MetricRecord, 0, len(order))}
	for _, metric := range order {
		s := samples[metric]
		result.Metrics = append(result.Metrics, types.MetricRecord{
			Name:            s.name,
			Value:           stats.Median(s.values),
			Unit:            s.unit,
			SampleCount:     s.iters,
			ConcurrencyHint: s.procs,
			Extra:           types.FormatExtra(s.iters, s.procs),
		})
	}

	if meta.ToolName == "" {
		meta.ToolName = "go"
	}
	meta.apply(result)
	return result, nil
}

// splitProcs strips the GOMAXPROCS suffix the testing package appends to names
func splitProcs(name string) (string, uint) {
	m := procsSuffix.FindStringSubmatchIndex(name)
	if m == nil {
		return name, 0
	}
	procs, err := strconv.ParseUint(name[m[2]:m[3]], 10, 32)
	if err != nil {
		return name, 0
	}
	return name[:m[0]], uint(procs)
}
