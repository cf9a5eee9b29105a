package consensus

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

// LoadTrustTable reads per-source-type trust weights from a YAML file:
//
//	trust:
//	  official_decode: 95
//	  manual: 35
//
// Types missing from the file keep their default weight.
func LoadTrustTable(path string) (model.TrustTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: read trust file %s", path)
	}

	var wrapper struct {
		Trust map[string]float64 `yaml:"trust"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "consensus: parse trust file")
	}

	table := model.DefaultTrustTable()
	for name, v := range wrapper.Trust {
		st, ok := model.ParseSourceType(name)
		if !ok {
			return nil, model.NewValidationError("trust."+name, "unknown source type")
		}
		table[st] = v
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
