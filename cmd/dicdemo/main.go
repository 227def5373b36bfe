// Command dicdemo recovers a known shift between two speckle images.
//
// Without -ref and -def it renders a synthetic speckle pattern and a copy
// displaced by (u, v). Every configuration key of dic.Config.Set is also
// a flag:
//
//	dicdemo -u 2.5 -v -1.25 -solver newton -platform gpu
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"

	"github.com/gogpu/dic"
	_ "github.com/gogpu/dic/gpu" // enable the GPU platform
	"github.com/gogpu/dic/internal/synth"
	"github.com/gogpu/dic/solver"
)

var configKeys = []string{
	"order", "interpolation", "correlation", "solver", "platform", "memory",
	"memory-limit-mb", "coarse-steps", "max-iterations", "precision", "quality",
	"min-gradient", "gain", "perturbation", "seed",
}

func main() {
	cfg := dic.DefaultConfig()
	for _, key := range configKeys {
		flag.Func(key, "dic configuration "+key, func(v string) error { return cfg.Set(key, v) })
	}
	var (
		width   = flag.Int("width", 256, "synthetic image width")
		height  = flag.Int("height", 256, "synthetic image height")
		u       = flag.Float64("u", 3.25, "synthetic horizontal shift")
		v       = flag.Float64("v", -1.5, "synthetic vertical shift")
		dots    = flag.Int("dots", 4000, "synthetic speckle dots")
		seed    = flag.Uint64("pattern-seed", 1, "synthetic pattern seed")
		refPath = flag.String("ref", "", "reference image file")
		defPath = flag.String("def", "", "deformed image file")
		size    = flag.Int("subset", 10, "subset half-size in pixels")
		spacing = flag.Int("spacing", 32, "subset spacing in pixels")
		search  = flag.Float64("range", 8, "search range in pixels")
		step    = flag.Float64("step", 0.25, "search step in pixels")
		verbose = flag.Bool("v-log", false, "log engine activity")
	)
	flag.Parse()

	if *verbose {
		dic.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	ref, def, err := loadImages(*refPath, *defPath, *width, *height, *dots, *seed, *u, *v)
	if err != nil {
		log.Fatalf("Failed to load images: %v", err)
	}

	subsets := dic.GridSubsets(ref.Width(), ref.Height(), *size, *spacing)
	if len(subsets) == 0 {
		log.Fatalf("No subset of half-size %d fits a %dx%d image", *size, ref.Width(), ref.Height())
	}
	limits := dic.NewLimits(cfg.Order,
		dic.Limit{Min: -*search, Max: *search, Step: *step},
		dic.Limit{Min: -*search, Max: *search, Step: *step})
	task := dic.NewLimitsTask(ref, def, subsets, cfg.Order, limits)

	e, err := solver.NewEngine(cfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	s := solver.NewWithEngine(e)
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	results, err := s.Solve(ctx, task)
	if err != nil && results == nil {
		log.Fatalf("Solve failed: %v", err)
	}
	if err != nil {
		log.Printf("Solve interrupted: %v", err)
	}

	report(task, results, *refPath == "", *u, *v)
	log.Printf("platform %v, solver %v, %v", e.Platform().Kind, cfg.Solver, e.Platform().Manager.Stats())
}

func loadImages(refPath, defPath string, w, h, dots int, seed uint64, u, v float64) (ref, def *dic.Image, err error) {
	if refPath == "" && defPath == "" {
		p := synth.NewPattern(w, h, dots, 2, seed)
		return synth.Quantize(p.Render(w, h, 0, 0)), synth.Quantize(p.Render(w, h, u, v)), nil
	}
	if refPath == "" || defPath == "" {
		return nil, nil, fmt.Errorf("%w: -ref and -def must be given together", dic.ErrIllegalTaskData)
	}
	if ref, err = readImage(refPath); err != nil {
		return nil, nil, err
	}
	if def, err = readImage(defPath); err != nil {
		return nil, nil, err
	}
	return ref, def, nil
}

func readImage(path string) (*dic.Image, error) {
	f, err := os.Open(path) //nolint:gosec // path from the command line
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dic.ErrIO, err)
	}
	defer f.Close()
	return dic.ReadImage(f)
}

func report(task *dic.Task, results []dic.Result, synthetic bool, u, v float64) {
	var valid int
	var errSum float64
	for i, r := range results {
		sub := task.Subsets[i]
		if !r.Valid() {
			fmt.Printf("(%4.0f, %4.0f)  invalid: %s\n", sub.Center[0], sub.Center[1], r.Reason)
			continue
		}
		valid++
		fmt.Printf("(%4.0f, %4.0f)  u=%7.3f v=%7.3f  score %.4f  %s\n",
			sub.Center[0], sub.Center[1], r.Deformation[0], r.Deformation[1], r.Score, r.Reason)
		if synthetic {
			errSum += math.Hypot(r.Deformation[0]-u, r.Deformation[1]-v)
		}
	}
	fmt.Printf("%d of %d subsets valid\n", valid, len(results))
	if synthetic && valid > 0 {
		fmt.Printf("mean displacement error %.4f px\n", errSum/float64(valid))
	}
}
