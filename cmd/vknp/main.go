// Package main provides the vknp CLI.
//
// Usage:
//
//	vknp version
//	vknp ops
//	vknp run -op add -a 1,2,3,4 -b 5,6,7,8 -shape 4
//	vknp run -op broadcast_mul -a 1,2,3,4,5,6 -shape-a 2,3 -b 10,100,1000 -shape-b 3 -shape 2,3
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/born-ml/vknp/compute"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const version = "v0.0.1-dev"

func usage() {
	fmt.Println("vknp - minimal GPU tensor compute runtime")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  ops        List registered operations")
	fmt.Println("  run        Run one binary operation on the host device")
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("vknp %s\n", version)
	case "ops":
		check(listOps())
	case "run":
		check(run(os.Args[2:]))
	default:
		usage()
		os.Exit(2)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Failed with error: %+v", err)
}

func listOps() error {
	rt, err := compute.NewHost(compute.DefaultConfig())
	if err != nil {
		return err
	}
	defer rt.Close()
	for _, name := range rt.Ops() {
		fmt.Println(name)
	}
	return nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		op      = fs.String("op", "add", "operation name")
		a       = fs.String("a", "1,2,3,4", "comma separated values of the first operand")
		b       = fs.String("b", "5,6,7,8", "comma separated values of the second operand")
		shape   = fs.String("shape", "4", "output shape")
		shapeA  = fs.String("shape-a", "", "shape of the first operand, defaults to -shape")
		shapeB  = fs.String("shape-b", "", "shape of the second operand, defaults to -shape")
		recycle = fs.Bool("recycle", false, "recycle released device buffers")
		workers = fs.Int("workers", 0, "host worker goroutines, 0 for one per CPU")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	outShape, err := parseInts(*shape)
	if err != nil {
		return errors.WithMessage(err, "-shape")
	}
	shapes := [2][]int{outShape, outShape}
	for i, s := range []string{*shapeA, *shapeB} {
		if s == "" {
			continue
		}
		if shapes[i], err = parseInts(s); err != nil {
			return errors.WithMessagef(err, "operand %d shape", i)
		}
	}
	var values [2][]float32
	for i, s := range []string{*a, *b} {
		if values[i], err = parseFloats(s); err != nil {
			return errors.WithMessagef(err, "operand %d", i)
		}
	}

	cfg := compute.DefaultConfig()
	cfg.Pool.Recycle = *recycle
	if *workers > 0 {
		cfg.Parallel.NumWorkers = *workers
		cfg.Parallel.Enabled = *workers > 1
	}
	rt, err := compute.NewHost(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var operands [2]compute.Tensor[float32]
	var g errgroup.Group
	for i := range operands {
		g.Go(func() error {
			t, err := compute.Upload(rt, values[i], shapes[i]...)
			operands[i] = t
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	out, err := compute.Empty[float32](rt, outShape...)
	if err != nil {
		return err
	}

	if err := rt.Run(*op, []compute.Any{operands[0], operands[1]}, []compute.Any{out}); err != nil {
		return err
	}
	result, err := compute.Download(rt, out)
	if err != nil {
		return err
	}
	fmt.Printf("%s %v = %v\n", *op, out.Shape(), result)

	stats := rt.Stats()
	fmt.Printf("device memory peak: %s, staging: %s uploaded\n",
		humanize.IBytes(stats.Memory.Main.PeakBytes), humanize.IBytes(stats.Memory.Upload.PeakBytes))
	klog.V(1).Info(stats)
	return nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, errors.Wrapf(err, "bad integer %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseFloats(s string) ([]float32, error) {
	var out []float32
	for _, f := range strings.Split(s, ",") {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, errors.Wrapf(err, "bad number %q", f)
		}
		out = append(out, float32(x))
	}
	return out, nil
}
