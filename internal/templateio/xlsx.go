package templateio

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/siteqa/internal/model"
)

// Recognised header names, after lowercasing and replacing spaces with
// underscores.
var headerAliases = map[string]string{
	"item_number":         "item_number",
	"item":                "item_number",
	"item_no":             "item_number",
	"no":                  "item_number",
	"number":              "item_number",
	"description":         "description",
	"check":               "description",
	"inspection_method":   "inspection_method",
	"method":              "inspection_method",
	"acceptance_criteria": "acceptance_criteria",
	"criteria":            "acceptance_criteria",
	"mandatory":           "mandatory",
	"hold_point":          "mandatory",
	"id":                  "id",
}

// ReadXLSX reads one template per worksheet. The sheet name is the template
// name and the first row is a header naming the item columns.
func ReadXLSX(path string) ([]model.Template, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	var out []model.Template
	for _, sheet := range f.Sheets {
		if len(sheet.Rows) == 0 {
			continue
		}
		t, err := sheetToTemplate(sheet)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, eris.Errorf("xlsx: %s has no checklist sheets", path)
	}
	return out, nil
}

func sheetToTemplate(sheet *xlsx.Sheet) (model.Template, error) {
	t := model.Template{Name: strings.TrimSpace(sheet.Name)}

	columns := map[string]int{}
	for j, h := range rowToStrings(sheet.Rows[0]) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
		if field, ok := headerAliases[key]; ok {
			if _, dup := columns[field]; !dup {
				columns[field] = j
			}
		}
	}
	if _, ok := columns["description"]; !ok {
		return t, eris.Errorf("xlsx: sheet %q has no description column", sheet.Name)
	}

	for _, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		get := func(field string) string {
			j, ok := columns[field]
			if !ok || j >= len(cells) {
				return ""
			}
			return strings.TrimSpace(cells[j])
		}
		if get("description") == "" && get("item_number") == "" {
			continue
		}
		t.Items = append(t.Items, model.Item{
			ID:                 get("id"),
			ItemNumber:         get("item_number"),
			Description:        get("description"),
			InspectionMethod:   model.InspectionMethod(get("inspection_method")),
			AcceptanceCriteria: get("acceptance_criteria"),
			IsMandatory:        truthy(get("mandatory")),
		})
	}
	normalizeItems(t.Items)
	return t, validate(t)
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes", "true", "1", "x", "h", "hold":
		return true
	}
	return false
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
