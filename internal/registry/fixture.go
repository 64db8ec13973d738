package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/homecert/internal/normalize"
)

// LoadHeaderMap reads a YAML header-equivalence table and overlays it on the
// built-in aliases. An empty path returns the built-in table.
func LoadHeaderMap(path string) (normalize.HeaderMap, error) {
	def := normalize.DefaultHeaderMap()
	if path == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return normalize.HeaderMap{}, eris.Wrap(err, "registry: read header map")
	}

	var hm normalize.HeaderMap
	if err := yaml.Unmarshal(data, &hm); err != nil {
		return normalize.HeaderMap{}, eris.Wrap(err, "registry: unmarshal header map")
	}
	return def.Merge(hm), nil
}

// LoadQuestionMap reads a YAML mapping of spreadsheet header to question
// slug. An empty path returns an empty map.
func LoadQuestionMap(path string) (normalize.QuestionMap, error) {
	if path == "" {
		return normalize.QuestionMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read question map")
	}

	var doc struct {
		Questions normalize.QuestionMap `yaml:"questions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal question map")
	}
	if doc.Questions == nil {
		doc.Questions = normalize.QuestionMap{}
	}
	return doc.Questions, nil
}
