package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zerotyping/ingest-pipeline/internal/config"
	"github.com/zerotyping/ingest-pipeline/internal/stage"
)

// Vars are the values substituted for placeholders in stage commands, args
// and env values.
type Vars struct {
	Python  string
	Scripts string
	Input   string
	WorkDir string
	Output  string
}

func (v Vars) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"{python}", v.Python,
		"{scripts}", v.Scripts,
		"{input}", v.Input,
		"{workdir}", v.WorkDir,
		"{output}", v.Output,
	)
}

// BuildStages turns stage configuration into runnable specs. Every stage runs
// with v.WorkDir as its working directory.
func BuildStages(cfgs []config.StageConfig, v Vars) ([]stage.Spec, error) {
	r := v.replacer()
	specs := make([]stage.Spec, 0, len(cfgs))

	for _, c := range cfgs {
		parser, err := stage.ParserByName(c.Parser)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", c.Name, err)
		}

		args := make([]string, len(c.Args))
		for i, a := range c.Args {
			args[i] = r.Replace(a)
		}

		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+r.Replace(c.Env[k]))
		}

		label := c.Label
		if label == "" {
			label = c.Name
		}

		specs = append(specs, stage.Spec{
			Name:             c.Name,
			Label:            label,
			Command:          r.Replace(c.Command),
			Args:             args,
			Env:              env,
			Dir:              v.WorkDir,
			Low:              c.Low,
			High:             c.High,
			Absolute:         c.Absolute,
			Parser:           parser,
			ReceivesIdentity: c.ReceivesIdentity,
		})
	}

	return specs, nil
}
