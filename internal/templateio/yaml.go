package templateio

import (
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/siteqa/internal/model"
)

type yamlDocument struct {
	Templates []yamlTemplate `yaml:"templates"`
}

type yamlTemplate struct {
	ID             string     `yaml:"id"`
	OrganizationID string     `yaml:"organization_id"`
	Name           string     `yaml:"name"`
	Version        string     `yaml:"version"`
	Description    string     `yaml:"description"`
	Items          []yamlItem `yaml:"items"`
}

type yamlItem struct {
	ID                 string `yaml:"id"`
	ItemNumber         string `yaml:"item_number"`
	Description        string `yaml:"description"`
	InspectionMethod   string `yaml:"inspection_method"`
	AcceptanceCriteria string `yaml:"acceptance_criteria"`
	Mandatory          bool   `yaml:"mandatory"`
	OrderIndex         int    `yaml:"order_index"`
}

// ParseYAML decodes either a document with a top-level templates list or a
// single template.
func ParseYAML(data []byte) ([]model.Template, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "templateio: parse yaml")
	}
	if len(doc.Templates) == 0 {
		var single yamlTemplate
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, eris.Wrap(err, "templateio: parse yaml")
		}
		if single.Name == "" && len(single.Items) == 0 {
			return nil, eris.New("templateio: yaml contains no templates")
		}
		doc.Templates = []yamlTemplate{single}
	}

	out := make([]model.Template, 0, len(doc.Templates))
	for _, yt := range doc.Templates {
		t := model.Template{
			ID:             yt.ID,
			OrganizationID: yt.OrganizationID,
			Name:           yt.Name,
			Version:        yt.Version,
			Description:    yt.Description,
			Items:          make([]model.Item, len(yt.Items)),
		}
		for i, yi := range yt.Items {
			t.Items[i] = model.Item{
				ID:                 yi.ID,
				TemplateID:         yt.ID,
				ItemNumber:         yi.ItemNumber,
				Description:        yi.Description,
				InspectionMethod:   model.InspectionMethod(yi.InspectionMethod),
				AcceptanceCriteria: yi.AcceptanceCriteria,
				IsMandatory:        yi.Mandatory,
				OrderIndex:         yi.OrderIndex,
			}
		}
		normalizeItems(t.Items)
		if err := validate(t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
