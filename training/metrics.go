package training

import (
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
)

// EpochMetrics holds the measurements of a single epoch.
type EpochMetrics struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	LearningRate float64
	Duration     time.Duration
	BatchCount   int
	Loaded       int
	Skipped      int
}

// RunSummary aggregates the metric trajectory of a completed run.
type RunSummary struct {
	Epochs        int
	FinalEpoch    int
	BestValLoss   float64
	MeanValLoss   float64
	MedianValLoss float64
	StdDevValLoss float64
	TotalSkipped  int
}

// Summarize computes trajectory statistics over the recorded epochs.
func Summarize(history []EpochMetrics) (RunSummary, error) {
	if len(history) == 0 {
		return RunSummary{}, fmt.Errorf("no epochs recorded")
	}

	values := make([]float64, len(history))
	totalSkipped := 0
	for i, m := range history {
		values[i] = m.ValLoss
		totalSkipped += m.Skipped
	}

	mean, err := stats.Mean(values)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to compute mean: %w", err)
	}
	median, err := stats.Median(values)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to compute median: %w", err)
	}
	stddev, err := stats.StandardDeviation(values)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to compute standard deviation: %w", err)
	}
	best, err := stats.Min(values)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to compute minimum: %w", err)
	}

	return RunSummary{
		Epochs:        len(history),
		FinalEpoch:    history[len(history)-1].Epoch,
		BestValLoss:   best,
		MeanValLoss:   mean,
		MedianValLoss: median,
		StdDevValLoss: stddev,
		TotalSkipped:  totalSkipped,
	}, nil
}

func printEpochSummary(m EpochMetrics, nEpochs int) {
	fmt.Printf("Epoch %d/%d: Train Loss=%.4f, Val Loss=%.4f, LR=%.6f, Time=%v, Batches=%d",
		m.Epoch+1, nEpochs, m.TrainLoss, m.ValLoss, m.LearningRate, m.Duration, m.BatchCount)
	if m.Skipped > 0 {
		fmt.Printf(", Skipped=%d", m.Skipped)
	}
	fmt.Println()
}
