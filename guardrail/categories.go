package guardrail

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var categoriesYAML []byte

// Category is one predefined keyword set an org may enable by id.
type Category struct {
	ID       string   `yaml:"id"`
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

type categoryFile struct {
	Categories []Category `yaml:"categories"`
}

var predefinedCategories = mustLoadCategories()

func mustLoadCategories() map[string]Category {
	var file categoryFile
	if err := yaml.Unmarshal(categoriesYAML, &file); err != nil {
		panic(fmt.Sprintf("guardrail: parse embedded categories: %v", err))
	}
	out := make(map[string]Category, len(file.Categories))
	for _, cat := range file.Categories {
		out[cat.ID] = cat
	}
	return out
}

// PredefinedCategoryIDs lists the category ids orgs can enable.
func PredefinedCategoryIDs() []string {
	out := make([]string, 0, len(predefinedCategories))
	for _, cat := range predefinedCategories {
		out = append(out, cat.ID)
	}
	return out
}
