package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"pctseg/checkpoints"
	"pctseg/config"
	"pctseg/data"
	"pctseg/training"
)

func main() {
	configPath := flag.String("config", "", "path to the training configuration JSON file")
	continueTrain := flag.Bool("continue", false, "continue training from a checkpoint (overrides config)")
	whichEpoch := flag.Int("which-epoch", -1, "epoch to resume from, -1 for latest (overrides config)")
	flag.Parse()

	if *configPath == "" && flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: pctseg -config <config.json>")
		os.Exit(2)
	}

	// A .env next to the working directory may override machine-local paths;
	// absence is fine.
	_ = godotenv.Load()

	os.Exit(run(*configPath, *continueTrain, *whichEpoch))
}

func run(configPath string, continueTrain bool, whichEpoch int) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pctseg: %v\n", err)
		return 2
	}

	if dir := os.Getenv("PCTSEG_CHECKPOINTS_DIR"); dir != "" {
		cfg.Model.CheckpointsDir = dir
	}
	if path := os.Getenv("PCTSEG_DATA_PATH"); path != "" {
		cfg.DataPath = path
	}
	if continueTrain {
		cfg.Training.ContinueTrain = config.FlexBool(true)
		cfg.Training.WhichEpoch = whichEpoch
	}

	if !cfg.Model.IsTrain.Bool() {
		fmt.Fprintln(os.Stderr, "pctseg: config has isTrain disabled, nothing to do")
		return 2
	}

	dataset, err := data.OpenFileDataset(cfg.DataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pctseg: %v\n", err)
		return 1
	}

	orchestrator, err := training.NewOrchestrator(cfg, dataset)
	if err != nil {
		return fail(err)
	}

	summary, err := orchestrator.Run()
	if err != nil {
		return fail(err)
	}

	fmt.Printf("Finished after %d epochs: best %s=%.4f (mean %.4f, median %.4f, stddev %.4f)\n",
		summary.Epochs, cfg.Training.MonitorMetric, summary.BestValLoss,
		summary.MeanValLoss, summary.MedianValLoss, summary.StdDevValLoss)
	return 0
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "pctseg: %v\n", err)
	var ce *checkpoints.CheckpointError
	switch {
	case config.IsValidationError(err):
		return 2
	case errors.As(err, &ce):
		return 3
	default:
		return 1
	}
}
