package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/napolitain/bbtrace/blockdb"
	"github.com/napolitain/bbtrace/instr"
	"github.com/napolitain/bbtrace/trace"
	"go.uber.org/zap"
	"golang.org/x/mod/modfile"
)

const traceModule = "github.com/napolitain/bbtrace"

// RunInstrumented analyzes and instruments the kernel of the package in
// target inside a temporary copy of its module, builds and runs the copy,
// then reduces the traces it saved.
func RunInstrumented(ctx context.Context, logger *zap.Logger, target string, args []string) error {
	if *kernel == "" {
		return errors.New("-kernel is required")
	}
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	info, err := os.Stat(absTarget)
	if err != nil {
		return fmt.Errorf("stat target: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target must be a directory containing a Go package")
	}

	moduleRoot, err := findModuleRoot(absTarget)
	if err != nil {
		return fmt.Errorf("find module root: %w", err)
	}
	kernelFile, err := findKernelFile(absTarget, *kernel)
	if err != nil {
		return err
	}

	tempDir, err := os.MkdirTemp("", "bbtrace-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	traces := *traceDir
	if traces == "" {
		traces = filepath.Join(tempDir, "traces")
	}
	if err := os.MkdirAll(traces, 0755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	db := filepath.Join(traces, blockdb.DefaultPath)
	if _, err := analyzeKernel(ctx, logger, absTarget, *kernel, db); err != nil {
		return err
	}

	buildRoot := filepath.Join(tempDir, "src")
	if err := copyModule(moduleRoot, buildRoot); err != nil {
		return fmt.Errorf("copy module: %w", err)
	}
	localRoot := findLocalRoot()
	if err := patchModule(moduleRoot, buildRoot, localRoot); err != nil {
		return fmt.Errorf("patch go.mod: %w", err)
	}

	rel, err := filepath.Rel(moduleRoot, kernelFile)
	if err != nil {
		return fmt.Errorf("relative path: %w", err)
	}
	res, err := instrumentFile(ctx, logger, kernelFile, *kernel, filepath.Join(buildRoot, rel))
	if err != nil {
		return err
	}
	if res.Outcome != instr.OutcomeInstrumented {
		return fmt.Errorf("%s: nothing to run, kernel %s", res.Outcome, *kernel)
	}
	if res.LaunchSites == 0 {
		logger.Warn("no launch of the kernel in its file, no trace will be collected", zap.String("kernel", *kernel))
	}

	relTarget, err := filepath.Rel(moduleRoot, absTarget)
	if err != nil {
		return fmt.Errorf("relative path: %w", err)
	}
	binaryName := "bbtrace-binary"
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath := filepath.Join(tempDir, binaryName)
	if err := buildInstrumented(ctx, logger, filepath.Join(buildRoot, relTarget), binaryPath); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	if err := InitPMUForChild(); err != nil {
		logger.Warn("hardware counters unavailable", zap.Error(err))
	}
	runErr := runBinary(binaryPath, args, append(os.Environ(), trace.EnvDir+"="+traces))
	counters := ReadAndClosePMU()
	if runErr != nil {
		return runErr
	}

	reports, err := reduceDir(ctx, logger, traces, db, *kernel)
	if err != nil {
		return err
	}
	PrintReport(os.Stdout, reports)
	PrintPMUSummary(os.Stdout, counters)
	return nil
}

// findModuleRoot walks up from dir to the nearest go.mod.
func findModuleRoot(dir string) (string, error) {
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, "go.mod")); err == nil {
			return d, nil
		}
		if filepath.Dir(d) == d {
			return "", fmt.Errorf("no go.mod found for %s", dir)
		}
	}
}

// findLocalRoot returns the root of a local bbtrace checkout: -gomod, or the
// first directory above the working directory or the executable whose
// go.mod declares the bbtrace module. It is empty when there is none.
func findLocalRoot() string {
	if *goMod != "" {
		abs, err := filepath.Abs(*goMod)
		if err == nil {
			return abs
		}
		return *goMod
	}

	var starts []string
	if wd, err := os.Getwd(); err == nil {
		starts = append(starts, wd)
	}
	if exe, err := os.Executable(); err == nil {
		starts = append(starts, filepath.Dir(exe))
	}
	for _, start := range starts {
		for d := start; ; d = filepath.Dir(d) {
			if readModulePath(filepath.Join(d, "go.mod")) == traceModule {
				return d
			}
			if filepath.Dir(d) == d {
				break
			}
		}
	}
	return ""
}

func readModulePath(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return modfile.ModulePath(content)
}

// copyModule copies the module at src to dst, leaving out vendor, testdata
// and hidden directories.
func copyModule(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, rel)

		if d.IsDir() {
			base := d.Name()
			if rel != "." && (base == "vendor" || base == "testdata" || strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_")) {
				return filepath.SkipDir
			}
			return os.MkdirAll(destPath, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(destPath, content, 0644)
	})
}

// patchModule makes the copied module at dst depend on bbtrace. A module that
// is bbtrace itself is left alone. Otherwise go.mod gets a require, plus a
// replace when localRoot is set, and go.sum gets the checksums of the local
// checkout.
func patchModule(src, dst, localRoot string) error {
	content, err := os.ReadFile(filepath.Join(src, "go.mod"))
	if err != nil {
		return err
	}
	patched, err := instrumentGoMod(content, localRoot)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dst, "go.mod"), patched, 0644); err != nil {
		return err
	}
	if localRoot == "" || modfile.ModulePath(content) == traceModule {
		return nil
	}
	return mergeGoSum(filepath.Join(dst, "go.sum"), filepath.Join(localRoot, "go.sum"))
}

// instrumentGoMod adds the bbtrace requirement to a go.mod.
func instrumentGoMod(content []byte, localRoot string) ([]byte, error) {
	mod, err := modfile.Parse("go.mod", content, nil)
	if err != nil {
		return nil, err
	}
	if mod.Module != nil && mod.Module.Mod.Path == traceModule {
		return content, nil
	}
	if localRoot == "" {
		return nil, fmt.Errorf("unable to locate the bbtrace module; pass -gomod")
	}

	if !hasRequire(mod, traceModule) {
		if err := mod.AddRequire(traceModule, "v0.0.0"); err != nil {
			return nil, err
		}
	}
	if !hasReplace(mod, traceModule, localRoot) {
		if err := mod.AddReplace(traceModule, "", localRoot, ""); err != nil {
			return nil, err
		}
	}
	mod.Cleanup()
	return mod.Format()
}

func hasRequire(mod *modfile.File, path string) bool {
	for _, r := range mod.Require {
		if r.Mod.Path == path {
			return true
		}
	}
	return false
}

func hasReplace(mod *modfile.File, path, dir string) bool {
	for _, r := range mod.Replace {
		if r.Old.Path == path && r.New.Path == dir {
			return true
		}
	}
	return false
}

// mergeGoSum appends the lines of from missing in to.
func mergeGoSum(to, from string) error {
	extra, err := os.ReadFile(from)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	have, err := os.ReadFile(to)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	seen := make(map[string]bool)
	for _, line := range strings.Split(string(have), "\n") {
		seen[line] = true
	}
	var sb strings.Builder
	sb.Write(have)
	if len(have) > 0 && have[len(have)-1] != '\n' {
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(string(extra), "\n") {
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		sb.WriteString(line + "\n")
	}
	return os.WriteFile(to, []byte(sb.String()), 0644)
}

// buildInstrumented compiles the instrumented package.
func buildInstrumented(ctx context.Context, logger *zap.Logger, targetDir, outputPath string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-mod=mod", "-o", outputPath, ".")
	cmd.Dir = targetDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	logger.Debug("building", zap.String("dir", targetDir))
	return cmd.Run()
}

// runBinary executes the compiled binary, forwarding arguments and signals.
func runBinary(binaryPath string, args, env []string) error {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = env

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := cmd.Start(); err != nil {
		signal.Stop(sigCh)
		return fmt.Errorf("start: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if cmd.Process != nil {
					_ = cmd.Process.Signal(sig)
				}
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	signal.Stop(sigCh)
	close(done)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("instrumented program exited with status %d", exitErr.ExitCode())
	}
	return err
}
