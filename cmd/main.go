package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/knnmt"
	"github.com/knights-analytics/knnmt/dataloader"
	"github.com/knights-analytics/knnmt/datastore"
	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/options"
	"github.com/knights-analytics/knnmt/parallel"
	"github.com/knights-analytics/knnmt/translator"
	"github.com/knights-analytics/knnmt/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	configPath        string
	batchSize         int
	samples           int
	datasetDir        string
	datastoreDir      string
	modelDir          string
	cacheDir          string
	bpePath           string
	languagePair      string
	backend           string
	sharedLibraryPath string
	workers           int
	neighbors         int
	seed              uint64
	verbose           bool
	inputPath         string
	outputPath        string
	split             string
	limit             int
	maxTokens         int
	repoName          string
	authToken         string
	onnxFilePath      string
)

func pathFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "datasetDir",
			Usage:       "Root of the parallel functions, one folder per language pair",
			EnvVars:     []string{"KNNMT_DATASET_DIR"},
			Destination: &datasetDir,
		},
		&cli.StringFlag{
			Name:        "datastoreDir",
			Usage:       "Root of the kNN datastores, one folder per language pair",
			EnvVars:     []string{"KNNMT_DATASTORE_DIR"},
			Destination: &datastoreDir,
		},
		&cli.StringFlag{
			Name:        "modelDir",
			Usage:       "Folder with the translator checkpoints and their onnx exports",
			Aliases:     []string{"m"},
			EnvVars:     []string{"KNNMT_MODEL_DIR"},
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "bpePath",
			Usage:       "Translator tokenizer.json, or a folder holding one",
			EnvVars:     []string{"KNNMT_BPE_PATH"},
			Destination: &bpePath,
		},
		&cli.StringFlag{
			Name:        "languagePair",
			Usage:       "Underscore joined language pair, for instance java_cpp",
			Aliases:     []string{"l"},
			EnvVars:     []string{"KNNMT_LANGUAGE_PAIR"},
			Destination: &languagePair,
		},
	}
}

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Translator backend, GO or ORT",
			EnvVars:     []string{"KNNMT_BACKEND"},
			Value:       "GO",
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so, ORT backend only",
			Aliases:     []string{"s"},
			EnvVars:     []string{"KNNMT_ONNXRUNTIME_LIBRARY"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Goroutines used for feature extraction",
			Aliases:     []string{"w"},
			Value:       options.DefaultWorkers,
			Destination: &workers,
		},
		&cli.IntFlag{
			Name:        "neighbors",
			Usage:       "Datastore neighbors retrieved per target token",
			Aliases:     []string{"k"},
			Value:       options.DefaultNeighbors,
			Destination: &neighbors,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "Seed of the training loader shuffle",
			Value:       1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Log debug output",
			Aliases:     []string{"v"},
			EnvVars:     []string{"KNNMT_VERBOSE"},
			Destination: &verbose,
		},
	}
}

var setupCommand = &cli.Command{
	Name:    "setup",
	Aliases: []string{"inspect"},
	Usage:   "Build the train, validation and test datasets of a language pair and report their size",
	Description: `Setup loads the translator and the datastore of the language pair, extracts the kNN features of
				the parallel functions and writes them to the cache folder. One json line per phase is written
				to stdout with the number of examples, batches and the share of tokens found in the datastore.
				`,
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Json config file, flags override its values",
			Aliases:     []string{"c"},
			EnvVars:     []string{"KNNMT_CONFIG"},
			Destination: &configPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Examples per batch",
			Aliases:     []string{"b"},
			EnvVars:     []string{"KNNMT_BATCH_SIZE"},
			Value:       32,
			Destination: &batchSize,
		},
		&cli.IntFlag{
			Name:        "samples",
			Usage:       "Training functions, validation and test use a tenth",
			Aliases:     []string{"n"},
			EnvVars:     []string{"KNNMT_SAMPLES"},
			Value:       1000,
			Destination: &samples,
		},
		&cli.StringFlag{
			Name:        "cacheDir",
			Usage:       "Folder receiving the extracted examples",
			EnvVars:     []string{"KNNMT_CACHE_DIR"},
			Destination: &cacheDir,
		},
	}, pathFlags()...), runtimeFlags()...),
	Action: func(c *cli.Context) (err error) {
		configureLogging()
		config, err := resolveConfig(c)
		if err != nil {
			return err
		}
		opts, err := resolveOptions()
		if err != nil {
			return err
		}
		module, err := knnmt.NewDataModule(config, opts...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, module.Destroy())
		}()
		if err = module.Setup(c.Context, knnmt.StageFit); err != nil {
			return err
		}
		return writeSummary(c.App.Writer, module)
	},
}

type phaseSummary struct {
	Phase      string  `json:"phase"`
	Examples   int     `json:"examples"`
	Batches    int     `json:"batches"`
	Shuffle    bool    `json:"shuffle"`
	KNNHitRate float64 `json:"knn_hit_rate"`
}

func writeSummary(w io.Writer, module *knnmt.DataModule) error {
	loaders := []struct {
		phase parallel.Phase
		get   func() (*dataloader.Loader, error)
	}{
		{parallel.Train, module.TrainLoader},
		{parallel.Val, module.ValLoader},
		{parallel.Test, module.TestLoader},
	}
	for _, l := range loaders {
		loader, err := l.get()
		if err != nil {
			return err
		}
		ds, err := module.Dataset(l.phase)
		if err != nil {
			return err
		}
		line, err := json.Marshal(phaseSummary{
			Phase:      string(l.phase),
			Examples:   loader.Len(),
			Batches:    loader.NumBatches(),
			Shuffle:    loader.Shuffle(),
			KNNHitRate: ds.KNNHitRate(),
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, string(line)); err != nil {
			return err
		}
	}
	return nil
}

var buildDatastoreCommand = &cli.Command{
	Name:  "build-datastore",
	Usage: "Build the kNN datastore of a language pair from its parallel functions",
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:        "split",
			Usage:       "Phase whose functions fill the datastore: train, val or test",
			Value:       string(parallel.Train),
			Destination: &split,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of functions, 0 for the whole split",
			Destination: &limit,
		},
	}, pathFlags()...), runtimeFlags()...),
	Action: func(c *cli.Context) (err error) {
		configureLogging()
		pair, err := langpair.Parse(languagePair)
		if err != nil {
			return err
		}
		if datasetDir == "" || datastoreDir == "" {
			return errors.New("datasetDir and datastoreDir are required")
		}
		tr, destroy, err := loadTranslator(c.Context, pair)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, destroy())
		}()
		functions, err := parallel.Load(c.Context, datasetDir, pair)
		if err != nil {
			return err
		}
		added, err := knnmt.BuildDatastore(c.Context, datastore.New(datastoreDir), tr, functions, parallel.Phase(split), limit, workers)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.App.Writer, "added %d entries to the %s datastore\n", added, pair)
		return err
	},
}

var translateCommand = &cli.Command{
	Name:  "translate",
	Usage: "Translate functions with the translator of a language pair",
	Description: `Translate reads json lines of the format {"input": "source function"} from a file or stdin and
				writes {"input": "...", "output": "..."} lines to stdout or to the output file.
				`,
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to a .jsonl file. If omitted, the input is read from stdin",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to the output .jsonl file. If omitted, the output is sent to stdout",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "maxTokens",
			Usage:       "Maximum number of generated tokens",
			Value:       options.DefaultMaxDecodeTokens,
			Destination: &maxTokens,
		},
	}, pathFlags()...), runtimeFlags()...),
	Action: func(c *cli.Context) (err error) {
		configureLogging()
		pair, err := langpair.Parse(languagePair)
		if err != nil {
			return err
		}

		var reader io.Reader
		if inputPath != "" {
			file, openErr := fileutil.OpenFile(c.Context, inputPath)
			if openErr != nil {
				return openErr
			}
			defer func() {
				err = errors.Join(err, file.Close())
			}()
			reader = file
		} else {
			if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
				return errors.New("no --input given and nothing to read on stdin")
			}
			reader = os.Stdin
		}

		writer := c.App.Writer
		if outputPath != "" {
			file, createErr := fileutil.NewFileWriter(c.Context, outputPath)
			if createErr != nil {
				return createErr
			}
			defer func() {
				err = errors.Join(err, file.Close())
			}()
			writer = file
		}

		tr, destroy, err := loadTranslator(c.Context, pair)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, destroy())
		}()
		if err = translateLines(c.Context, tr, reader, writer, maxTokens); err != nil {
			return err
		}
		if verbose {
			log.Debug().Msg(tr.Statistics().String())
		}
		return nil
	},
}

type translation struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type textTranslator interface {
	Translate(ctx context.Context, source string, maxTokens int) (string, error)
}

func translateLines(ctx context.Context, tr textTranslator, r io.Reader, w io.Writer, maxTokens int) error {
	reader := bufio.NewReader(r)
	for lineN := 1; ; lineN++ {
		line, readErr := fileutil.ReadLine(reader)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if len(line) > 0 {
			var t translation
			if err := json.Unmarshal(line, &t); err != nil {
				return fmt.Errorf("failed to parse JSON line %d: %w", lineN, err)
			}
			out, err := tr.Translate(ctx, t.Input, maxTokens)
			if err != nil {
				return fmt.Errorf("translating line %d: %w", lineN, err)
			}
			t.Output = out
			outputBytes, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, string(outputBytes)); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download the onnx export of a translator from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "repo",
			Usage:       "Huggingface repository holding the onnx export and its tokenizer.json",
			Aliases:     []string{"r"},
			Required:    true,
			Destination: &repoName,
		},
		&cli.StringFlag{
			Name:        "modelDir",
			Usage:       "Folder receiving the export",
			Aliases:     []string{"m"},
			EnvVars:     []string{"KNNMT_MODEL_DIR"},
			Required:    true,
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "languagePair",
			Usage:       "Language pair the translator serves, for instance java_cpp",
			Aliases:     []string{"l"},
			EnvVars:     []string{"KNNMT_LANGUAGE_PAIR"},
			Required:    true,
			Destination: &languagePair,
		},
		&cli.StringFlag{
			Name:        "onnxFile",
			Usage:       "Path of the .onnx file inside the repository, when it holds several",
			Destination: &onnxFilePath,
		},
		&cli.StringFlag{
			Name:        "authToken",
			Usage:       "Huggingface token for private repositories",
			EnvVars:     []string{"HF_TOKEN"},
			Destination: &authToken,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	},
	Action: func(c *cli.Context) error {
		configureLogging()
		pair, err := langpair.Parse(languagePair)
		if err != nil {
			return err
		}
		downloadOptions := knnmt.NewDownloadOptions()
		downloadOptions.AuthToken = authToken
		downloadOptions.OnnxFilePath = onnxFilePath
		downloadOptions.Verbose = verbose
		onnxPath, err := knnmt.DownloadTranslator(c.Context, repoName, modelDir, pair, downloadOptions)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, onnxPath)
		return err
	},
}

// resolveConfig starts from the --config file, if any, and overrides it with the flags that were set.
func resolveConfig(c *cli.Context) (knnmt.Config, error) {
	config := knnmt.Config{BatchSize: batchSize, Samples: samples}
	if configPath != "" {
		loaded, err := knnmt.LoadConfig(c.Context, configPath)
		if err != nil {
			return config, err
		}
		config = loaded
		if c.IsSet("batchSize") {
			config.BatchSize = batchSize
		}
		if c.IsSet("samples") {
			config.Samples = samples
		}
	}
	for _, s := range []struct {
		flag  string
		value string
		dest  *string
	}{
		{"datasetDir", datasetDir, &config.DatasetDir},
		{"datastoreDir", datastoreDir, &config.DatastoreDir},
		{"modelDir", modelDir, &config.ModelDir},
		{"cacheDir", cacheDir, &config.CacheDir},
		{"bpePath", bpePath, &config.BPEPath},
		{"languagePair", languagePair, &config.LanguagePair},
	} {
		if configPath == "" || c.IsSet(s.flag) {
			*s.dest = s.value
		}
	}
	return config, config.Validate()
}

func resolveOptions() ([]options.WithOption, error) {
	opts := []options.WithOption{
		options.WithBackend(backend),
		options.WithWorkers(workers),
		options.WithNeighbors(neighbors),
		options.WithSeed(seed),
		options.WithVerbose(verbose),
	}
	if sharedLibraryPath != "" {
		if backend != "ORT" {
			return nil, errors.New("--onnxruntimeSharedLibrary requires --backend ORT")
		}
		opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
	}
	return opts, nil
}

// loadTranslator returns the translator of pair and the teardown of both the translator and the
// backend it started.
func loadTranslator(ctx context.Context, pair langpair.Pair) (*translator.Translator, func() error, error) {
	if modelDir == "" || bpePath == "" {
		return nil, nil, errors.New("modelDir and bpePath are required")
	}
	optFuncs, err := resolveOptions()
	if err != nil {
		return nil, nil, err
	}
	opts, err := options.Apply(optFuncs...)
	if err != nil {
		return nil, nil, err
	}
	tr, err := translator.New(ctx, langpair.CheckpointPath(modelDir, pair), bpePath, opts)
	if err != nil {
		return nil, nil, errors.Join(err, opts.Destroy())
	}
	return tr, func() error {
		return errors.Join(tr.Destroy(), opts.Destroy())
	}, nil
}

func configureLogging() {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true, EndWithMessage: true}
	}
	if verbose {
		log.DefaultLogger.SetLevel(log.DebugLevel)
	} else {
		log.DefaultLogger.SetLevel(log.InfoLevel)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "knnmt",
		Usage:    "Prepare adaptive kNN-MT training data for code translation models",
		Commands: []*cli.Command{setupCommand, buildDatastoreCommand, translateCommand, downloadCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("knnmt failed")
	}
}
