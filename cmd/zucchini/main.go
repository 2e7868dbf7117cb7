// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"

	"github.com/saferwall/zucchini"
	"github.com/saferwall/zucchini/internal/zlog"
)

var (
	verbose        bool
	kind           string
	imposedMatches string
	minSimilarity  float64
	maxElements    int

	logger *log.Helper
)

func kindFromFlag(s string) (zucchini.Kind, error) {
	switch s {
	case "", "raw":
		return zucchini.KindRaw, nil
	case "single":
		return zucchini.KindSingle, nil
	case "ensemble":
		return zucchini.KindEnsemble, nil
	default:
		return 0, fmt.Errorf("unknown patch kind %q (want raw, single, or ensemble)", s)
	}
}

func mapFile(path string, writable bool) (mmap.MMap, *os.File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, nil, err
	}
	prot := mmap.RDONLY
	if writable {
		prot = mmap.RDWR
	}
	m, err := mmap.Map(f, prot, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return m, f, nil
}

func readFile(path string) ([]byte, error) {
	m, f, err := mapFile(path, false)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer m.Unmap()
	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}

// exit maps a zucchini.Status to the process exit code the teacher's
// tooling reserves for the corresponding failure class.
func exit(status zucchini.Status) {
	os.Exit(int(status))
}

func runGen(cmd *cobra.Command, args []string) {
	oldPath, newPath, patchPath := args[0], args[1], args[2]

	old, err := readFile(oldPath)
	if err != nil {
		logger.Errorf("reading old image %s: %v", oldPath, err)
		exit(zucchini.StatusFileReadError)
	}
	if len(old) == 0 {
		logger.Errorf("old image %s is empty", oldPath)
		exit(zucchini.StatusInvalidOldImage)
	}

	newImage, err := readFile(newPath)
	if err != nil {
		logger.Errorf("reading new image %s: %v", newPath, err)
		exit(zucchini.StatusFileReadError)
	}
	if len(newImage) == 0 {
		logger.Errorf("new image %s is empty", newPath)
		exit(zucchini.StatusInvalidNewImage)
	}

	patchKind, err := kindFromFlag(kind)
	if err != nil {
		logger.Errorf("%v", err)
		exit(zucchini.StatusFatal)
	}

	logger.Infof("generating %s patch: %s -> %s", kind, oldPath, newPath)
	patchBytes, err := zucchini.Generate(old, newImage, zucchini.Options{
		Kind:           patchKind,
		ImposedMatches: imposedMatches,
		MinSimilarity:  minSimilarity,
		MaxElements:    maxElements,
	})
	if err != nil {
		logger.Errorf("generate: %v", err)
		exit(zucchini.StatusFatal)
	}

	if err := os.WriteFile(patchPath, patchBytes, 0644); err != nil {
		logger.Errorf("writing patch %s: %v", patchPath, err)
		exit(zucchini.StatusFileWriteError)
	}
	logger.Infof("wrote %s (%d bytes)", patchPath, len(patchBytes))
}

func runApply(cmd *cobra.Command, args []string) {
	oldPath, patchPath, newPath := args[0], args[1], args[2]

	old, err := readFile(oldPath)
	if err != nil {
		logger.Errorf("reading old image %s: %v", oldPath, err)
		exit(zucchini.StatusFileReadError)
	}

	patchBytes, err := readFile(patchPath)
	if err != nil {
		logger.Errorf("reading patch %s: %v", patchPath, err)
		exit(zucchini.StatusPatchReadError)
	}

	logger.Infof("applying %s to %s", patchPath, oldPath)
	newImage, err := zucchini.Apply(old, patchBytes)
	if err != nil {
		logger.Errorf("apply: %v", err)
		exit(zucchini.StatusPatchReadError)
	}

	if err := os.WriteFile(newPath, newImage, 0644); err != nil {
		logger.Errorf("writing new image %s: %v", newPath, err)
		exit(zucchini.StatusFileWriteError)
	}
	logger.Infof("wrote %s (%d bytes)", newPath, len(newImage))
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "zucchini",
		Short: "A binary differential-update tool",
		Long:  "zucchini generates and applies compact binary patches between PE, ELF, and DEX executables, built for speed by Saferwall",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = zlog.New(verbose)
		},
	}

	genCmd := &cobra.Command{
		Use:   "gen <old> <new> <patch>",
		Short: "Generate a patch transforming old into new",
		Args:  cobra.ExactArgs(3),
		Run:   runGen,
	}
	genCmd.Flags().StringVarP(&kind, "kind", "k", "raw", "patch kind: raw, single, or ensemble")
	genCmd.Flags().StringVar(&imposedMatches, "imposed-matches", "", "caller-supplied element correspondences (ensemble only)")
	genCmd.Flags().Float64Var(&minSimilarity, "min-similarity", 0, "minimum equivalence similarity, 0 for the default")
	genCmd.Flags().IntVar(&maxElements, "max-elements", 0, "cap detected elements per image, 0 for unbounded")

	applyCmd := &cobra.Command{
		Use:   "apply <old> <patch> <new>",
		Short: "Apply a patch to old, producing new",
		Args:  cobra.ExactArgs(3),
		Run:   runApply,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(genCmd, applyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
