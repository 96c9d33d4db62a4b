// Command testrunner runs the compiled package test binaries shipped in the container image
// (built with `go test -c -o /app/tests/<pkg>.test`).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

type options struct {
	testsDir        string
	workDir         string
	short           bool
	pkgParallel     int
	count           int
	timeout         time.Duration
	integrationRun  string
	integrationPath string
	verbose         bool
}

func main() {
	var o options
	flag.StringVar(&o.testsDir, "tests-dir", "/app/tests", "directory containing compiled test binaries")
	flag.StringVar(&o.workDir, "work-dir", "/app", "working directory for binaries without a package directory")
	flag.BoolVar(&o.short, "short", false, "run tests with -test.short (skips database and HTTP integration tests)")
	flag.IntVar(&o.pkgParallel, "pkg-parallel", runtime.NumCPU(), "number of packages to run in parallel")
	flag.IntVar(&o.count, "count", 1, "pass -test.count to disable caching when set to 1")
	flag.DurationVar(&o.timeout, "timeout", 10*time.Minute, "overall deadline for all test binaries")
	flag.StringVar(&o.integrationRun, "integration-run", "", "regex of integration test(s) to run with -test.run")
	flag.StringVar(&o.integrationPath, "integration-path", "api/router", "relative package path for the integration run")
	flag.BoolVar(&o.verbose, "v", true, "add -test.v to test binaries")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := run(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("==> All tests passed")
}

func run(ctx context.Context, o options) error {
	bins, err := collectTestBinaries(o.testsDir)
	if err != nil {
		return err
	}
	if len(bins) == 0 {
		return errors.New("no test binaries found")
	}

	var integrationBin string
	if o.integrationRun != "" {
		integrationBin = filepath.Join(o.testsDir, filepath.FromSlash(o.integrationPath)+".test")
		if _, err := os.Stat(integrationBin); err != nil {
			return fmt.Errorf("integration binary not found at %s: %w", integrationBin, err)
		}
	}

	// Exclude the integration package from the unit pass to avoid double-running.
	unitBins := make([]string, 0, len(bins))
	for _, b := range bins {
		if integrationBin != "" && sameFile(b, integrationBin) {
			continue
		}
		unitBins = append(unitBins, b)
	}

	fmt.Println("==> Running unit tests")
	if err := runBinaries(ctx, unitBins, testArgs(o, 0), o.pkgParallel, o.workDir); err != nil {
		return err
	}

	if integrationBin != "" {
		fmt.Printf("==> Running integration tests in %s with -test.run=%s\n", o.integrationPath, o.integrationRun)
		// Integration tests share one database, so they run serially.
		args := append(testArgs(o, 1), "-test.run", o.integrationRun)
		if err := runBinaries(ctx, []string{integrationBin}, args, 1, o.workDir); err != nil {
			return err
		}
	}
	return nil
}

func collectTestBinaries(root string) ([]string, error) {
	var bins []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".test") {
			bins = append(bins, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(bins)
	return bins, nil
}

func testArgs(o options, testParallel int) []string {
	args := []string{}
	if o.verbose {
		args = append(args, "-test.v")
	}
	if o.short {
		args = append(args, "-test.short")
	}
	if o.count > 0 {
		args = append(args, fmt.Sprintf("-test.count=%d", o.count))
	}
	if testParallel > 0 {
		args = append(args, fmt.Sprintf("-test.parallel=%d", testParallel))
	}
	return args
}

// runBinaries runs every binary and reports all failures, not only the first.
func runBinaries(ctx context.Context, bins []string, args []string, parallel int, workDir string) error {
	if parallel < 1 {
		parallel = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(parallel)
	failures := make([]error, len(bins))

	for i, b := range bins {
		i, b := i, b
		g.Go(func() error {
			cmd := exec.CommandContext(ctx, b, args...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Env = os.Environ()
			cmd.Dir = packageDir(b, workDir)
			fmt.Printf("[RUN] %s %s\n", b, strings.Join(args, " "))
			if err := cmd.Run(); err != nil {
				failures[i] = fmt.Errorf("%s failed: %w", b, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failures...)
}

// packageDir returns the directory next to the binary named like the package, so relative
// testdata paths resolve, falling back to workDir.
func packageDir(bin, workDir string) string {
	if wd := strings.TrimSuffix(bin, ".test"); wd != bin {
		if fi, err := os.Stat(wd); err == nil && fi.IsDir() {
			return wd
		}
	}
	return workDir
}

func sameFile(a, b string) bool {
	ap, _ := filepath.Abs(a)
	bp, _ := filepath.Abs(b)
	return ap == bp
}
