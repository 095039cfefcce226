package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides. A double underscore separates key levels, so
// PCDET_OPTIMIZATION__LR=0.001 overrides OPTIMIZATION.LR.
const EnvPrefix = "PCDET_"

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Defaults are applied before the configuration file.
var Defaults = map[string]any{
	"DATA_CONFIG.NUM_POINT_FEATURES":           4,
	"DATA_CONFIG.MAX_OBJECTS":                  64,
	"MODEL.DENSE_HEAD.NUM_DIR_BINS":            2,
	"MODEL.DENSE_HEAD.DIR_OFFSET":              0.78539,
	"MODEL.DENSE_HEAD.NUM_HM_CONV":             2,
	"MODEL.DENSE_HEAD.SHARED_CONV_CHANNEL":     64,
	"MODEL.POST_PROCESSING.SCORE_THRESH":       0.1,
	"MODEL.POST_PROCESSING.RECALL_THRESH_LIST": []float64{0.3, 0.5, 0.7},
	"OPTIMIZATION.BATCH_SIZE_PER_GPU":          4,
	"OPTIMIZATION.NUM_EPOCHS":                  80,
	"OPTIMIZATION.OPTIMIZER":                   "adam_onecycle",
	"OPTIMIZATION.LR":                          0.003,
	"OPTIMIZATION.WEIGHT_DECAY":                0.01,
	"OPTIMIZATION.MOMENTUM":                    0.9,
	"OPTIMIZATION.MOMS":                        []float64{0.95, 0.85},
	"OPTIMIZATION.PCT_START":                   0.4,
	"OPTIMIZATION.DIV_FACTOR":                  10,
	"OPTIMIZATION.LR_DECAY":                    0.1,
	"OPTIMIZATION.LR_CLIP":                     0.0000001,
	"OPTIMIZATION.GRAD_NORM_CLIP":              10,
	"RUNTIME.CKPT_DIR":                         "output/ckpt",
	"RUNTIME.CKPT_SAVE_INTERVAL":               1,
	"RUNTIME.RUN_DB":                           "output/runs.db",
	"RUNTIME.SERVER.ADDR":                      "127.0.0.1:8080",
	"RUNTIME.LOG.LEVEL":                        "info",
	"RUNTIME.ONNX.INPUT_NAMES":                 []string{"voxels", "voxel_num_points", "voxel_coords"},
	"RUNTIME.ONNX.OUTPUT_NAMES":                []string{"batch_cls_preds", "batch_box_preds"},
	"RUNTIME.ONNX.PROVIDER":                    "cpu",
}

// Load reads the YAML file at path, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return load(file.Provider(path))
}

// Parse is Load for an in-memory YAML document.
func Parse(raw []byte) (*Config, error) {
	return load(rawbytes.Provider(raw))
}

func load(p koanf.Provider) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults, "."), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Dump renders the resolved configuration as YAML.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return out, nil
}
