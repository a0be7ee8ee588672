// Package templateio loads ITP templates from YAML documents and XLSX
// checklist workbooks.
package templateio

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/siteqa/internal/model"
)

// Load reads templates from path, picking the format from the extension.
// organizationID is applied to templates that do not name one.
func Load(path, organizationID string) ([]model.Template, error) {
	var (
		templates []model.Template
		err       error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "templateio: read %s", path)
		}
		templates, err = ParseYAML(data)
	case ".xlsx":
		templates, err = ReadXLSX(path)
	default:
		return nil, eris.Errorf("templateio: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	for i := range templates {
		if templates[i].OrganizationID == "" {
			templates[i].OrganizationID = organizationID
		}
	}
	return templates, nil
}

// normalizeItems fills defaults and assigns order indexes by position when
// none are given.
func normalizeItems(items []model.Item) {
	explicit := false
	for _, it := range items {
		if it.OrderIndex != 0 {
			explicit = true
			break
		}
	}
	for i := range items {
		if !explicit {
			items[i].OrderIndex = i
		}
		if items[i].InspectionMethod == "" {
			items[i].InspectionMethod = model.MethodPassFail
		}
		items[i].InspectionMethod = model.InspectionMethod(strings.ToLower(string(items[i].InspectionMethod)))
	}
}

func validate(t model.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return eris.New("templateio: template name is required")
	}
	for i, it := range t.Items {
		if strings.TrimSpace(it.Description) == "" && strings.TrimSpace(it.ItemNumber) == "" {
			return eris.Errorf("templateio: template %q item %d has neither number nor description", t.Name, i+1)
		}
	}
	return nil
}
