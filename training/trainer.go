package training

import (
	"fmt"
	"time"

	"pctseg/augment"
	"pctseg/checkpoints"
	"pctseg/config"
	"pctseg/data"
	"pctseg/models"
)

// Orchestrator drives the epoch loop: it wires the splitter, loaders,
// model, criterion, optimizer, scheduler, monitor and checkpoint manager
// together. Model computation stays behind the Model interface; the
// orchestrator only moves data and state between collaborators.
type Orchestrator struct {
	cfg       *config.Config
	dataset   data.Dataset
	model     models.Model
	criterion models.Criterion
	optimizer models.Optimizer
	scheduler Scheduler
	monitor   *EarlyStoppingMonitor
	manager   *checkpoints.Manager

	split       data.Split
	trainLoader *data.Loader
	valLoader   *data.Loader

	runSeed    uint64
	startEpoch int
	iteration  int

	bestVal    float64
	hasBestVal bool

	history []EpochMetrics
}

// NewOrchestrator assembles a training run from a validated configuration
// and a dataset. When continuation is requested, all run state — dataset
// split, monitor, scheduler, RNG, model and optimizer state — is restored
// from the resolved checkpoint record; the split in particular is never
// recomputed on resume.
func NewOrchestrator(cfg *config.Config, dataset data.Dataset) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("training: nil config")
	}
	if dataset == nil {
		return nil, fmt.Errorf("training: nil dataset")
	}

	criterion, err := models.NewCriterion(cfg.Training.Criterion)
	if err != nil {
		return nil, config.Invalid("training.criterion", "%v", err)
	}
	model, err := models.NewModel(models.ModelConfig{
		ArchType:       cfg.Model.ArchType,
		NChannels:      cfg.DataOpts.NChannels,
		NClasses:       cfg.DataOpts.NClasses,
		FeatureScale:   cfg.Model.FeatureScale,
		DivisionFactor: cfg.Model.DivisionFactor,
		InputNZ:        cfg.Model.InputNZ,
	})
	if err != nil {
		return nil, config.Invalid("model.arch_type", "%v", err)
	}
	optimizer, err := models.NewSGD(models.SGDConfig{
		LearningRate: cfg.Training.LearningRate,
		Momentum:     cfg.Training.Momentum,
		WeightDecay:  cfg.Training.WeightDecay,
	})
	if err != nil {
		return nil, config.Invalid("training", "%v", err)
	}
	manager, err := checkpoints.NewManager(cfg.Model.CheckpointsDir, cfg.Model.ExperimentName)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		dataset:   dataset,
		model:     model,
		criterion: criterion,
		optimizer: optimizer,
		manager:   manager,
	}

	if cfg.Training.ContinueTrain.Bool() {
		if err := o.restore(); err != nil {
			return nil, err
		}
	} else {
		if err := o.fresh(); err != nil {
			return nil, err
		}
	}

	if err := o.buildLoaders(); err != nil {
		return nil, err
	}
	return o, nil
}

// fresh initializes run state for a new training run.
func (o *Orchestrator) fresh() error {
	split, err := data.MakeSplit(o.dataset.Len(), data.RatiosFrom(o.cfg.DataSplit), o.cfg.DataSplit.Seed)
	if err != nil {
		return err
	}
	monitor, err := NewEarlyStoppingMonitor(
		o.cfg.Training.MonitorMetric, o.cfg.Training.MonitorMode,
		o.cfg.Training.MinEpochs, o.cfg.Training.Patience)
	if err != nil {
		return config.Invalid("training", "%v", err)
	}
	scheduler, err := NewScheduler(o.cfg.Training)
	if err != nil {
		return config.Invalid("training.lr_policy", "%v", err)
	}

	o.split = split
	o.monitor = monitor
	o.scheduler = scheduler
	o.runSeed = uint64(o.cfg.Training.Seed)
	o.startEpoch = 0
	return nil
}

// restore loads the record resolved from which_epoch and rebuilds every
// stateful collaborator from it.
func (o *Orchestrator) restore() error {
	tag := checkpoints.ResolveEpoch(o.cfg.Training.WhichEpoch)
	record, err := o.manager.Load(tag)
	if err != nil {
		return err
	}

	if record.Split.Total() != o.dataset.Len() {
		return &checkpoints.CheckpointError{Tag: tag, Err: fmt.Errorf(
			"record split covers %d samples but dataset has %d", record.Split.Total(), o.dataset.Len())}
	}

	monitor, err := RestoreMonitor(record.Monitor)
	if err != nil {
		return &checkpoints.CheckpointError{Tag: tag, Err: err}
	}
	scheduler, err := RestoreScheduler(o.cfg.Training, record.Scheduler)
	if err != nil {
		return &checkpoints.CheckpointError{Tag: tag, Err: err}
	}
	if err := o.model.LoadState(record.ModelState); err != nil {
		return &checkpoints.CheckpointError{Tag: tag, Err: err}
	}
	if record.OptimizerState != nil {
		if err := o.optimizer.LoadState(record.OptimizerState); err != nil {
			return &checkpoints.CheckpointError{Tag: tag, Err: err}
		}
	}

	o.split = record.Split
	o.monitor = monitor
	o.scheduler = scheduler
	o.runSeed = record.RNG.BaseSeed
	o.startEpoch = record.Epoch + 1
	o.iteration = record.Iteration
	if record.Monitor.HasBest {
		o.bestVal = record.Monitor.BestValue
		o.hasBestVal = true
	}
	fmt.Printf("Resuming experiment %s from %s (epoch %d)\n", o.cfg.Model.ExperimentName, tag, o.startEpoch)
	return nil
}

func (o *Orchestrator) buildLoaders() error {
	spec, err := augment.SpecFrom(o.cfg.Augmentation, o.cfg.DataOpts.ScaleSize)
	if err != nil {
		return err
	}
	pipeline, err := augment.New(spec)
	if err != nil {
		return err
	}

	loaderCfg := data.LoaderConfig{
		BatchSize:   o.cfg.Training.BatchSize,
		NumWorkers:  o.cfg.Training.NumWorkers,
		ScaleSize:   o.cfg.DataOpts.ScaleSize,
		Standardize: true,
		RunSeed:     o.runSeed,
	}
	trainLoader, err := data.NewLoader(o.dataset, o.split.Train, pipeline, loaderCfg)
	if err != nil {
		return err
	}
	valLoader, err := data.NewLoader(o.dataset, o.split.Val, nil, loaderCfg)
	if err != nil {
		return err
	}

	o.trainLoader = trainLoader
	o.valLoader = valLoader
	return nil
}

// Split returns the run's dataset partition.
func (o *Orchestrator) Split() data.Split { return o.split }

// History returns the metrics of all completed epochs.
func (o *Orchestrator) History() []EpochMetrics { return o.history }

// Run executes the epoch loop until the configured epoch count is reached or
// the early-stopping monitor fires. Early stop is a normal, successful
// completion, not an error.
func (o *Orchestrator) Run() (RunSummary, error) {
	nEpochs := o.cfg.Training.NEpochs
	fmt.Printf("Starting training of %s for up to %d epochs (devices %v)\n",
		o.cfg.Model.ExperimentName, nEpochs, o.cfg.Model.GPUIDs)

	for epoch := o.startEpoch; epoch < nEpochs; epoch++ {
		epochStart := time.Now()

		trainLoss, batchCount, stats, err := o.trainEpoch(epoch)
		if err != nil {
			return RunSummary{}, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}

		valLoss, err := o.validateEpoch(epoch, trainLoss)
		if err != nil {
			return RunSummary{}, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}

		o.monitor.Observe(epoch, valLoss)
		o.scheduler.Observe(valLoss)

		metrics := EpochMetrics{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			ValLoss:      valLoss,
			LearningRate: o.optimizer.LearningRate(),
			Duration:     time.Since(epochStart),
			BatchCount:   batchCount,
			Loaded:       stats.Loaded,
			Skipped:      stats.Skipped,
		}
		o.history = append(o.history, metrics)
		printEpochSummary(metrics, nEpochs)

		if err := o.checkpoint(epoch, valLoss); err != nil {
			// Losing the checkpoint would make the run irreproducible, so a
			// failed save aborts.
			return RunSummary{}, err
		}

		if o.monitor.Stopped() {
			fmt.Printf("Early stopping triggered after %d epochs (%s did not improve for %d epochs)\n",
				epoch+1, o.monitor.Metric(), o.cfg.Training.Patience)
			break
		}
	}

	return Summarize(o.history)
}

// trainEpoch runs one pass over the train split.
func (o *Orchestrator) trainEpoch(epoch int) (float64, int, data.EpochStats, error) {
	batches, stats, err := o.trainLoader.Epoch(epoch)
	if err != nil {
		return 0, 0, stats, err
	}
	if stats.Loaded == 0 {
		return 0, 0, stats, fmt.Errorf("train split is empty after skipping %d unreadable samples", stats.Skipped)
	}

	var totalLoss float64
	var totalSamples int
	for _, batch := range batches {
		pred, err := o.model.Forward(batch)
		if err != nil {
			return 0, 0, stats, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := o.criterion.Evaluate(pred, batch.Targets())
		if err != nil {
			return 0, 0, stats, fmt.Errorf("loss computation failed: %w", err)
		}
		if err := o.model.Backward(loss.Grad); err != nil {
			return 0, 0, stats, fmt.Errorf("backward pass failed: %w", err)
		}
		if err := o.optimizer.Step(o.model.Parameters(), o.model.Gradients()); err != nil {
			return 0, 0, stats, fmt.Errorf("optimizer step failed: %w", err)
		}

		o.iteration++
		if lr := o.scheduler.NextRate(o.iteration, o.optimizer.LearningRate()); lr != o.optimizer.LearningRate() {
			o.optimizer.SetLearningRate(lr)
		}

		totalLoss += loss.Value * float64(batch.Size())
		totalSamples += batch.Size()
	}

	return totalLoss / float64(totalSamples), len(batches), stats, nil
}

// validateEpoch runs one pass over the validation split. When the validation
// split is empty the train loss stands in as the monitored metric.
func (o *Orchestrator) validateEpoch(epoch int, trainLoss float64) (float64, error) {
	if o.valLoader.Len() == 0 {
		return trainLoss, nil
	}
	batches, stats, err := o.valLoader.Epoch(epoch)
	if err != nil {
		return 0, err
	}
	if stats.Loaded == 0 {
		fmt.Printf("Warning: validation split empty this epoch, monitoring train loss\n")
		return trainLoss, nil
	}

	var totalLoss float64
	var totalSamples int
	for _, batch := range batches {
		pred, err := o.model.Forward(batch)
		if err != nil {
			return 0, fmt.Errorf("validation forward pass failed: %w", err)
		}
		loss, err := o.criterion.Evaluate(pred, batch.Targets())
		if err != nil {
			return 0, fmt.Errorf("validation loss computation failed: %w", err)
		}
		totalLoss += loss.Value * float64(batch.Size())
		totalSamples += batch.Size()
	}
	return totalLoss / float64(totalSamples), nil
}

// checkpoint persists the epoch's state: always under "latest", under
// "epoch_<n>" at the configured frequency, and under "best" on metric
// improvement.
func (o *Orchestrator) checkpoint(epoch int, valLoss float64) error {
	record, err := o.snapshot(epoch)
	if err != nil {
		return err
	}

	if err := o.manager.Save(record, checkpoints.TagLatest); err != nil {
		return err
	}
	freq := o.cfg.Training.SaveEpochFreq
	if freq > 0 && (epoch+1)%freq == 0 {
		if err := o.manager.Save(record, checkpoints.TagEpoch(epoch)); err != nil {
			return err
		}
	}
	if o.improved(valLoss) {
		o.bestVal = valLoss
		o.hasBestVal = true
		if err := o.manager.Save(record, checkpoints.TagBest); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) improved(valLoss float64) bool {
	if !o.hasBestVal {
		return true
	}
	if o.cfg.Training.MonitorMode == "max" {
		return valLoss > o.bestVal
	}
	return valLoss < o.bestVal
}

// snapshot assembles a checkpoint record of the current run state.
func (o *Orchestrator) snapshot(epoch int) (*checkpoints.Record, error) {
	modelState, err := o.model.State()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model state: %w", err)
	}
	return &checkpoints.Record{
		Epoch:          epoch,
		Iteration:      o.iteration,
		ModelState:     modelState,
		OptimizerState: o.optimizer.State(),
		Split:          o.split,
		Monitor:        o.monitor.State(),
		RNG:            checkpoints.RNGState{BaseSeed: o.runSeed},
		Scheduler:      o.scheduler.State(),
	}, nil
}
