/*
 * Copyright 2022 Google LLC.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/treeforge/treeforge/dmatrix"
	"github.com/treeforge/treeforge/predict"
)

type benchCmdConfig struct {
	module     string
	data       string
	dataFormat string
	numRuns    int
	warmupRuns int
	batchSize  int
}

func benchCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &benchCmdConfig{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the inference speed of a built module",
		Long:  `Runs the dataset through the module repeatedly and reports the prediction throughput. A run predicts the whole dataset in batches; warmup runs are not timed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			var opts []predict.Option
			if rootConfig.verbose {
				opts = append(opts, predict.WithVerbose())
			}
			predictor, err := predict.Open(config.module, opts...)
			if err != nil {
				return err
			}
			defer predictor.Close()
			batch, err := dmatrix.FromFile(config.data, config.dataFormat)
			if err != nil {
				return err
			}
			fmt.Printf("Run benchmark with\n  module: %v\n  dataset: %v (%d examples)\n  runs: %d, warmup runs: %d, batch size: %d\n",
				predictor.Path(), config.data, batch.NumRow(),
				config.numRuns, config.warmupRuns, config.batchSize)
			result, err := benchRun(predictor, batch, config)
			if err != nil {
				return err
			}
			fmt.Println("Results")
			fmt.Print(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&config.module, "module", "", "path of the module, or of the directory holding it (required)")
	cmd.Flags().StringVar(&config.data, "data", "", "path to the dataset to predict (required)")
	cmd.Flags().StringVar(&config.dataFormat, "data-format", "libsvm", "dataset format: libsvm or npy")
	cmd.Flags().IntVar(&config.numRuns, "runs", 20, "number of timed runs through the dataset")
	cmd.Flags().IntVar(&config.warmupRuns, "warmup-runs", 2, "number of untimed runs before the benchmark")
	cmd.Flags().IntVar(&config.batchSize, "batch-size", 100, "number of examples per prediction request")
	return cmd
}

func (c *benchCmdConfig) Validate() error {
	if c.module == "" {
		return fmt.Errorf("required module flag was not set")
	}
	if c.data == "" {
		return fmt.Errorf("required data flag was not set")
	}
	if c.numRuns <= 0 {
		return fmt.Errorf("runs should be greater or equal to 1")
	}
	if c.warmupRuns <= 0 {
		return fmt.Errorf("warmup-runs should be greater or equal to 1")
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch-size should be greater or equal to 1")
	}
	return nil
}

// benchResult is the timing of one benchmark.
type benchResult struct {
	durationPerExample time.Duration
	examplesPerSecond  float64
	runMean            time.Duration
	runStdDev          time.Duration
}

func (r *benchResult) String() string {
	return fmt.Sprintf(
		`Avg. time per example: %v
Examples per second:   %.0f
Time per run:          %v mean, %v stddev
`,
		r.durationPerExample, r.examplesPerSecond, r.runMean, r.runStdDev)
}

func benchRun(predictor *predict.Predictor, batch *dmatrix.Batch, config *benchCmdConfig) (*benchResult, error) {
	numExamples := batch.NumRow()
	if numExamples == 0 {
		return nil, fmt.Errorf("the dataset holds no examples")
	}
	batchSize := config.batchSize
	if batchSize > numExamples {
		batchSize = numExamples
	}
	numBatches := (numExamples + batchSize - 1) / batchSize
	batches := make([]*dmatrix.Batch, 0, numBatches)
	for batchIdx := 0; batchIdx < numBatches; batchIdx++ {
		begin := batchIdx * batchSize
		end := begin + batchSize
		if end > numExamples {
			end = numExamples
		}
		window, err := batch.Slice(begin, end)
		if err != nil {
			return nil, err
		}
		batches = append(batches, window)
	}

	run := func() error {
		for _, window := range batches {
			if _, err := predictor.Predict(window, false); err != nil {
				return err
			}
		}
		return nil
	}

	for runIdx := 0; runIdx < config.warmupRuns; runIdx++ {
		if err := run(); err != nil {
			return nil, err
		}
	}

	runSeconds := make([]float64, config.numRuns)
	start := time.Now()
	for runIdx := 0; runIdx < config.numRuns; runIdx++ {
		runStart := time.Now()
		if err := run(); err != nil {
			return nil, err
		}
		runSeconds[runIdx] = time.Since(runStart).Seconds()
	}
	total := time.Since(start)

	mean, stddev := stat.MeanStdDev(runSeconds, nil)
	if config.numRuns == 1 {
		stddev = 0
	}
	return &benchResult{
		durationPerExample: total / time.Duration(config.numRuns*numExamples),
		examplesPerSecond:  float64(config.numRuns*numExamples) / total.Seconds(),
		runMean:            time.Duration(mean * float64(time.Second)),
		runStdDev:          time.Duration(stddev * float64(time.Second)),
	}, nil
}
